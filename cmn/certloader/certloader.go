// Package certloader loads and hot-reloads the X.509 keypair the control
// channel listener optionally serves over TLS (spec §5's control channel is
// plain TCP by default; an operator can point this at a cert/key pair to
// terminate TLS instead). Adapted from aistore's cmn/certloader (the same
// fstat-compare-reload loop, hk-driven periodic check, and notAfter
// expiry tracking), generalized from the htrun global-singleton pattern to
// one loader instance per listener.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package certloader

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nvidia/llmdatadist/cmn/cos"
	"github.com/nvidia/llmdatadist/cmn/debug"
	"github.com/nvidia/llmdatadist/cmn/nlog"
	"github.com/nvidia/llmdatadist/hk"
)

const dfltTimeInvalid = time.Hour

const fmtErrExpired = "%s: %s expired (valid until %v)"

type xcert struct {
	tls.Certificate
	parent    *Loader
	modTime   time.Time
	notBefore time.Time
	notAfter  time.Time
	size      int64
}

// Loader owns one reloadable cert/key pair for one listener; unlike the
// source's single process-wide global, this module may run more than one
// TLS-terminated control listener (one per cluster role), so each gets its
// own Loader rather than sharing a package-level singleton.
type Loader struct {
	name     string
	certFile string
	keyFile  string
	xcert    atomic.Pointer[xcert]
	invalid  atomic.Bool
	expired  atomic.Bool
}

// GetCertCB is a tls.Config.GetCertificate callback.
type GetCertCB func(*tls.ClientHelloInfo) (*tls.Certificate, error)

// GetClientCertCB is a tls.Config.GetClientCertificate callback.
type GetClientCertCB func(*tls.CertificateRequestInfo) (*tls.Certificate, error)

type errExpired struct{ msg string }

func (e *errExpired) Error() string { return e.msg }

func isExpired(err error) bool {
	_, ok := err.(*errExpired)
	return ok
}

// New loads certFile/keyFile and registers a housekeeping reload check.
// Returns a nil *Loader (not an error) when both paths are empty, so
// callers can unconditionally wire the result into a tls.Config only when
// TLS is actually configured.
func New(name, certFile, keyFile string) (*Loader, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cl := &Loader{name: name, certFile: certFile, keyFile: keyFile}
	if err := cl.load(false); err != nil {
		nlog.Errorln(name, "initial cert load failed:", err)
		return nil, err
	}
	hk.Reg(name+".cert-reload", func(int64) time.Duration { return cl.hk() }, cl.hktime())
	return cl, nil
}

func (cl *Loader) hk() time.Duration {
	if err := cl.load(true); err != nil {
		nlog.Errorln(cl.name, err)
	}
	return cl.hktime()
}

func (cl *Loader) hktime() time.Duration {
	if cl.expired.Load() || cl.invalid.Load() {
		return dfltTimeInvalid
	}
	const warn = "X.509 will soon expire - remains:"
	rem := time.Until(cl.xcert.Load().notAfter)
	switch {
	case rem > 24*time.Hour:
		return 6 * time.Hour
	case rem > 6*time.Hour:
		return time.Hour
	case rem > time.Hour:
		return 10 * time.Minute
	case rem > 10*time.Minute:
		nlog.Warningln(cl.certFile, warn, rem)
		return time.Minute
	case rem > 0:
		nlog.Errorln(cl.certFile, warn, rem)
		return time.Minute
	default:
		cl.expired.Store(true)
		return dfltTimeInvalid
	}
}

func (cl *Loader) errorf() error {
	switch {
	case cl.invalid.Load():
		return fmt.Errorf("%s: (%s, %s) is invalid", cl.name, cl.certFile, cl.keyFile)
	case cl.expired.Load():
		x := cl.xcert.Load()
		return &errExpired{fmt.Sprintf(fmtErrExpired, cl.name, cl.certFile, x.notAfter)}
	default:
		return nil
	}
}

func (cl *Loader) get() *tls.Certificate { return &cl.xcert.Load().Certificate }

// GetCert returns a tls.Config.GetCertificate callback, or an error if the
// current cert is invalid/expired.
func (cl *Loader) GetCert() (GetCertCB, error) {
	if err := cl.errorf(); err != nil {
		return nil, err
	}
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return cl.get(), nil }, nil
}

// GetClientCert returns a tls.Config.GetClientCertificate callback, or an
// error if the current cert is invalid/expired.
func (cl *Loader) GetClientCert() (GetClientCertCB, error) {
	if err := cl.errorf(); err != nil {
		return nil, err
	}
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return cl.get(), nil }, nil
}

func (cl *Loader) load(compare bool) error {
	finfo, err := os.Stat(cl.certFile)
	if err != nil {
		return fmt.Errorf("%s: failed to fstat %q: %w", cl.name, cl.certFile, err)
	}
	if compare {
		prev := cl.xcert.Load()
		debug.Assert(prev != nil, "expecting cert loaded at startup: ", cl.certFile)
		if finfo.ModTime() == prev.modTime && finfo.Size() == prev.size {
			return nil
		}
	}

	x := xcert{parent: cl}
	x.Certificate, err = tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return fmt.Errorf("%s: failed to load (%s, %s): %w", cl.name, cl.certFile, cl.keyFile, err)
	}
	if err := x.ini(finfo); err != nil {
		cl.expired.Store(isExpired(err))
		cl.invalid.Store(!isExpired(err))
		return err
	}

	cl.expired.Store(false)
	cl.invalid.Store(false)
	cl.xcert.Store(&x)
	nlog.Infoln(x.String())
	return nil
}

func (x *xcert) String() string {
	var sb strings.Builder
	sb.WriteString(x.parent.certFile)
	sb.WriteByte('[')
	sb.WriteString(cos.FormatTime(x.notBefore, ""))
	sb.WriteByte(',')
	sb.WriteString(cos.FormatTime(x.notAfter, ""))
	sb.WriteByte(']')
	return sb.String()
}

// NOTE: parses the certificate a second time (tls.LoadX509KeyPair already
// parsed it once) purely to read the validity window.
func (x *xcert) ini(finfo os.FileInfo) error {
	if x.Certificate.Leaf == nil {
		leaf, err := x509.ParseCertificate(x.Certificate.Certificate[0])
		if err != nil {
			return fmt.Errorf("%s: failed to parse %q: %w", x.parent.name, x.parent.certFile, err)
		}
		x.Certificate.Leaf = leaf
	}
	x.modTime = finfo.ModTime()
	x.size = finfo.Size()
	x.notBefore = x.Certificate.Leaf.NotBefore
	x.notAfter = x.Certificate.Leaf.NotAfter

	now := time.Now()
	if now.After(x.notAfter) {
		return &errExpired{fmt.Sprintf(fmtErrExpired, x.parent.name, x.parent.certFile, x.notAfter)}
	}
	if now.Before(x.notBefore) {
		nlog.Warningln(x.parent.certFile, "is not valid yet: [", x.notBefore, x.notAfter, "]")
	}
	return nil
}

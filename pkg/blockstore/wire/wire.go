// Package wire implements the length-prefixed UTF-8 JSON framing shared
// by the repo and cluster protocols (§6): a 4-byte big-endian length
// header followed by exactly that many bytes of JSON, one frame per
// request and one per response. Both protocols also share the same
// optional mTLS wrapper, built on the teacher's pkg/security CA/cert
// material rather than reaching for a new TLS library.
package wire

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/gotchoices/votetorrent-sub002/pkg/security"
)

// MaxFrameSize bounds a single frame to guard against a misbehaving or
// hostile peer driving unbounded memory growth.
const MaxFrameSize = 64 << 20 // 64MiB

// WriteFrame marshals v as JSON and writes it as one length-prefixed
// frame.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(data), MaxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("wire: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", size, MaxFrameSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("wire: read frame body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return nil
}

// TLSConfig names where a peer's certificate material lives, mirroring
// config.TLSConfig without importing the config package back.
type TLSConfig struct {
	Enabled bool
	CertDir string
}

// Listen opens addr for incoming connections, wrapped in mTLS when cfg
// is enabled. A disabled cfg yields a plain TCP listener, the way a
// test harness or a single-peer development setup runs without certs.
func Listen(addr string, cfg TLSConfig) (net.Listener, error) {
	if !cfg.Enabled {
		return net.Listen("tcp", addr)
	}

	cert, err := security.LoadCertFromFile(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("wire: load listen certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("wire: load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Dial connects to addr, wrapped in mTLS when cfg is enabled.
func Dial(addr string, cfg TLSConfig) (net.Conn, error) {
	if !cfg.Enabled {
		return net.Dial("tcp", addr)
	}

	cert, err := security.LoadCertFromFile(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("wire: load dial certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("wire: load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
	return tls.Dial("tcp", addr, tlsCfg)
}

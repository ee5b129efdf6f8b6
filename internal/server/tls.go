package server

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"
)

// tlsConfig returns nil, nil when no key pair is configured.
func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.opts.TLSKeyFile == "" || s.opts.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.opts.TLSCertFile, s.opts.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	if s.opts.TLSCAFile != "" {
		chain, err := readChain(s.opts.TLSCAFile)
		if err != nil {
			return nil, err
		}
		cert.Certificate = append(cert.Certificate, chain...)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// readChain returns the DER certificates in a PEM bundle.
func readChain(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	var out [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			out = append(out, block.Bytes)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("CA bundle %s: no certificates", path)
	}
	return out, nil
}

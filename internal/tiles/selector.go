// Package tiles picks a reachable vector map tile archive for the position picker.
package tiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// magic is the first bytes of every PMTiles archive.
var magic = []byte("PMTiles")

var ErrNoServers = errors.New("tiles: no servers configured")

// Selector probes tile servers in order.
type Selector struct {
	servers []string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewSelector(servers []string, client *http.Client, timeout time.Duration, logger *zap.Logger) *Selector {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Selector{
		servers: servers,
		client:  client,
		timeout: timeout,
		logger:  logger.Named("tiles"),
	}
}

// Select returns the first server that serves a PMTiles archive. When none
// answers correctly it returns the first configured server anyway.
func (s *Selector) Select(ctx context.Context) (string, error) {
	if len(s.servers) == 0 {
		return "", ErrNoServers
	}
	for _, server := range s.servers {
		if err := s.probe(ctx, server); err != nil {
			s.logger.Warn("tile server probe failed", zap.String("server", server), zap.Error(err))
			continue
		}
		s.logger.Debug("tile server selected", zap.String("server", server))
		return server, nil
	}
	return s.servers[0], nil
}

func (s *Selector) probe(ctx context.Context, server string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", len(magic)-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(len(magic))+1))
	if err != nil {
		return err
	}
	if !bytes.Equal(body, magic) {
		return fmt.Errorf("unexpected archive header %q", body)
	}
	return nil
}

package publicip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// Strategy is one way of discovering the public addresses.
type Strategy struct {
	Name      string
	Discover  func(ctx context.Context) (model.PublicIPs, error)
	RateLimit int // max runs per minute, 0 = unlimited

	calls window
}

// NewEchoStrategy asks an IPv4-only and an IPv6-only echo endpoint in parallel.
// Each leg has its own timeout and a failed leg only blanks its own family;
// the strategy itself never returns an error.
func NewEchoStrategy(client *http.Client, v4URL, v6URL string, timeout time.Duration, logger *zap.Logger) *Strategy {
	if client == nil {
		client = http.DefaultClient
	}
	logger = logger.Named("publicip")

	leg := func(ctx context.Context, url string, wantV4 bool) *string {
		ip, err := fetchEcho(ctx, client, url, timeout, wantV4)
		if err != nil {
			logger.Warn("echo request failed", zap.String("url", url), zap.Error(err))
			return nil
		}
		return &ip
	}

	return &Strategy{
		Name: "http-echo",
		Discover: func(ctx context.Context) (model.PublicIPs, error) {
			var (
				result model.PublicIPs
				wg     sync.WaitGroup
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				result.IPv4 = leg(ctx, v4URL, true)
			}()
			go func() {
				defer wg.Done()
				result.IPv6 = leg(ctx, v6URL, false)
			}()
			wg.Wait()
			return result, nil
		},
	}
}

func fetchEcho(ctx context.Context, client *http.Client, url string, timeout time.Duration, wantV4 bool) (string, error) {
	// Cancelling the request context tears down the underlying connection.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(body))
	ip := net.ParseIP(text)
	if ip == nil {
		return "", fmt.Errorf("response is not an IP address: %q", text)
	}
	if isV4 := ip.To4() != nil; isV4 != wantV4 {
		return "", fmt.Errorf("address %s has the wrong family", text)
	}
	return text, nil
}

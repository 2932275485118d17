package publicip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

const initialRTO = 250 * time.Millisecond

// NewSTUNStrategy learns server-reflexive addresses by sending Binding requests
// to server over UDPv4 and UDPv6 at once. Gathering stops when both families are
// known, both requests have finished, or timeout elapses.
func NewSTUNStrategy(server string, timeout time.Duration, logger *zap.Logger) *Strategy {
	logger = logger.Named("publicip")

	return &Strategy{
		Name: "stun",
		Discover: func(ctx context.Context) (model.PublicIPs, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			found := make(chan string, 2)
			var wg sync.WaitGroup
			for _, network := range []string{"udp4", "udp6"} {
				wg.Add(1)
				go func(network string) {
					defer wg.Done()
					ip, err := bind(ctx, network, server)
					if err != nil {
						logger.Debug("stun request ended without candidate",
							zap.String("network", network), zap.Error(err))
						return
					}
					found <- ip
				}(network)
			}
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()

			var result model.PublicIPs
			record := func(ip string) {
				if strings.Contains(ip, ":") {
					result.IPv6 = &ip
				} else {
					result.IPv4 = &ip
				}
			}

		gather:
			for {
				select {
				case ip := <-found:
					record(ip)
					if result.IPv4 != nil && result.IPv6 != nil {
						break gather
					}
				case <-done:
					for {
						select {
						case ip := <-found:
							record(ip)
						default:
							break gather
						}
					}
				case <-ctx.Done():
					break gather
				}
			}

			// Release both sockets before returning.
			cancel()
			<-done
			return result, nil
		},
	}
}

// bind performs one Binding transaction and returns the mapped address.
func bind(ctx context.Context, network, server string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, server)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 1500)
	rto := initialRTO
	for {
		if _, err := conn.Write(req.Raw); err != nil {
			return "", ctxErr(ctx, err)
		}

		readDeadline := time.Now().Add(rto)
		if deadline, ok := ctx.Deadline(); ok && deadline.Before(readDeadline) {
			readDeadline = deadline
		}
		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return "", err
		}

		ip, err := readResponse(conn, buf, req)
		if err == nil {
			return ip, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
			rto *= 2 // retransmit
			continue
		}
		return "", ctxErr(ctx, err)
	}
}

func readResponse(conn net.Conn, buf []byte, req *stun.Message) (string, error) {
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return "", err
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return "", fmt.Errorf("unexpected STUN response %s", res.Type)
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return xorAddr.IP.String(), nil
		}
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return "", fmt.Errorf("response carries no mapped address: %w", err)
		}
		return mapped.IP.String(), nil
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Package mdns advertises and discovers frame streams on the local network.
package mdns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"

	"github.com/rjboer/leostream/internal/logging"
)

const (
	// ServiceType is the DNS-SD service a streamer registers.
	ServiceType = "_leostream._tcp"
	domain      = "local."
)

// Host represents a discovered stream endpoint.
type Host struct {
	Instance  string // Advertised name: "leostream on bench"
	Hostname  string // DNS hostname: "bench.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// TXTValue returns the value of key=value from the TXT record.
func (h Host) TXTValue(key string) (string, bool) {
	for _, kv := range h.TXT {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// StreamURL builds a ws:// URL for the host, preferring an IPv4 address.
func (h Host) StreamURL() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == "" && len(h.Addresses) > 0 {
		host = h.Addresses[0].String()
	}
	path, ok := h.TXTValue("path")
	if !ok || !strings.HasPrefix(path, "/") {
		path = "/stream"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(h.Port)) + path
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// Discover browses for streamers until timeout or ctx ends and returns the
// deduplicated hosts.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = hostFromEntry(e)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	return out, nil
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Advertisement is a live service registration.
type Advertisement struct {
	server *zeroconf.Server
	once   sync.Once
}

// Shutdown withdraws the registration. Safe to call more than once.
func (a *Advertisement) Shutdown() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.server != nil {
			a.server.Shutdown()
		}
	})
}

// Advertise registers instance on port. Registration can fail transiently
// while interfaces come up, so it is retried with exponential backoff until
// maxWait elapses or ctx ends.
func Advertise(ctx context.Context, instance string, port int, txt []string, maxWait time.Duration, logger logging.Logger) (*Advertisement, error) {
	return advertise(ctx, zeroconf.Register, instance, port, txt, maxWait, logger)
}

func advertise(ctx context.Context, register registerFunc, instance string, port int, txt []string, maxWait time.Duration, logger logging.Logger) (*Advertisement, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Component("mdns"))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = maxWait

	var server *zeroconf.Server
	attempt := 0
	op := func() error {
		attempt++
		s, err := register(instance, ServiceType, domain, port, txt, nil)
		if err != nil {
			logger.Warn("mdns register failed", logging.Int("attempt", attempt), logging.Err(err))
			return err
		}
		server = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("advertise %s: %w", instance, err)
	}
	logger.Info("advertising stream",
		logging.String("instance", instance),
		logging.String("service", ServiceType),
		logging.Int("port", port))
	return &Advertisement{server: server}, nil
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

package sipua

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipwire/sipua/sip"
)

// UserAgent holds the shared transport and transaction layers plus routing
// identity used by Client and Server handles built on top of it.
type UserAgent struct {
	name     string
	ip       net.IP
	hostname string
	port     int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	metricsReg  prometheus.Registerer

	tp *sip.TransportLayer
	tx *sip.TransactionLayer
}

type UserAgentOption func(s *UserAgent) error

// WithUserAgent sets the User-Agent header value advertised on outgoing requests.
func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets the routing hostname used to build default
// From headers when no more specific Client option overrides it.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			host = ip
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUDPDNSResolver forces DNS resolution through a specific recursive
// resolver reachable over UDP, bypassing the system resolver.
func WithUDPDNSResolver(dns string) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

// WithTLSConfig sets the tls.Config used by TLS/WSS listeners and dials.
func WithTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithMetrics registers transaction-layer Prometheus counters (created,
// terminated, retransmitted) against reg. Omitting this option leaves
// metrics collection off entirely.
func WithMetrics(reg prometheus.Registerer) UserAgentOption {
	return func(s *UserAgent) error {
		s.metricsReg = reg
		return nil
	}
}

// NewUA builds the shared transport and transaction layers. Client, Server
// and dialog handles all attach on top of this.
func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{
		name: "sipua",
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	if s.dnsResolver == nil {
		s.dnsResolver = net.DefaultResolver
	}
	if s.hostname == "" {
		s.hostname = strings.Split(s.ip.String(), ":")[0]
	}

	s.tp = sip.NewTransportLayer(s.dnsResolver, sip.NewParser(), s.tlsConfig)

	var txOptions []sip.TransactionLayerOption
	if s.metricsReg != nil {
		txOptions = append(txOptions, sip.WithTransactionLayerMetrics(sip.NewTransactionMetrics(s.metricsReg)))
	}
	s.tx = sip.NewTransactionLayer(s.tp, txOptions...)
	return s, nil
}

func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	return err
}

// Close shuts down the transaction layer (terminating all pending
// transactions) and the transport layer (closing listeners and connections).
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

// TransportLayer returns the shared transport layer for advanced use
// (listen port introspection, custom middlewares).
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionLayer returns the shared transaction layer.
func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

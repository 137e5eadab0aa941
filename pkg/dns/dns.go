package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// DefaultTTL is used for answers about virtual hosts when Server.TTL is zero
const DefaultTTL = 60

// Resolver answers for the hosts served by server instances
type Resolver interface {
	ResolveVirtual(name string) (string, bool)
	ReverseVirtual(addr string) (string, bool)
}

// Server is a DNS responder for virtual hosts.  Queries it cannot answer are forwarded to Upstream, if set.
type Server struct {
	PacketConn net.PacketConn
	Listener   net.Listener
	Resolver   Resolver
	Upstream   string
	TTL        uint32
}

// addrFromPTR converts an in-addr.arpa name to an IPv4 address
func addrFromPTR(name string) (string, bool) {
	qs := strings.TrimSuffix(strings.ToLower(name), ".")
	qs, ok := strings.CutSuffix(qs, ".in-addr.arpa")
	if !ok {
		return "", false
	}
	parts := strings.Split(qs, ".")
	if len(parts) != 4 {
		return "", false
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 8); err != nil {
			return "", false
		}
	}
	return strings.Join(parts, "."), true
}

func (s *Server) ttl() uint32 {
	if s.TTL == 0 {
		return DefaultTTL
	}
	return s.TTL
}

// answer tries to answer a question from the resolver.  Returns false if the name is not virtual.
func (s *Server) answer(q dns.Question) ([]dns.RR, bool) {
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: s.ttl()}
	switch q.Qtype {
	case dns.TypePTR:
		addr, ok := addrFromPTR(q.Name)
		if !ok {
			return nil, false
		}
		name, ok := s.Resolver.ReverseVirtual(addr)
		if !ok {
			return nil, false
		}
		return []dns.RR{&dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(name)}}, true
	case dns.TypeA, dns.TypeAAAA, dns.TypeANY:
		addr, ok := s.Resolver.ResolveVirtual(strings.TrimSuffix(q.Name, "."))
		if !ok {
			return nil, false
		}
		ip := net.ParseIP(addr).To4()
		if ip == nil || q.Qtype == dns.TypeAAAA {
			// The name exists but has no records of this type
			return nil, true
		}
		hdr.Rrtype = dns.TypeA
		return []dns.RR{&dns.A{Hdr: hdr, A: ip}}, true
	}
	return nil, false
}

func (s *Server) forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	c := &dns.Client{Timeout: 5 * time.Second}
	resp, _, err := c.ExchangeContext(ctx, r, s.Upstream)
	return resp, err
}

func (s *Server) handle(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	if r.Opcode != dns.OpcodeQuery {
		m.SetRcode(r, dns.RcodeNotImplemented)
		_ = w.WriteMsg(m)
		return
	}
	local := true
	for _, q := range r.Question {
		rrs, ok := s.answer(q)
		if !ok {
			local = false
			break
		}
		m.Answer = append(m.Answer, rrs...)
	}
	if local {
		m.Authoritative = true
		_ = w.WriteMsg(m)
		return
	}
	if s.Upstream == "" {
		m.Answer = nil
		m.SetRcode(r, dns.RcodeNameError)
		_ = w.WriteMsg(m)
		return
	}
	resp, err := s.forward(ctx, r)
	if err != nil {
		log.Warnf("dns forwarding error: %s", err)
		m.Answer = nil
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}
	resp.Id = r.Id
	_ = w.WriteMsg(resp)
}

// Run starts serving on whichever of PacketConn and Listener are set, until the context is cancelled
func (s *Server) Run(ctx context.Context) error {
	handler := &dns.ServeMux{}
	handler.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		s.handle(ctx, w, r)
	})
	server := &dns.Server{
		Listener:     s.Listener,
		PacketConn:   s.PacketConn,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		err := server.ActivateAndServe()
		if err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()
	shutdown := func() {
		if s.Listener != nil {
			_ = s.Listener.Close()
		}
		if s.PacketConn != nil {
			_ = s.PacketConn.Close()
		}
		_ = server.Shutdown()
	}
	t := time.NewTimer(100 * time.Millisecond)
	select {
	case err := <-errChan:
		t.Stop()
		shutdown()
		return err
	case <-t.C:
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				shutdown()
				return
			case err := <-errChan:
				log.Warnf("dns error: %s", err)
			}
		}
	}()
	return nil
}

package portal

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/danmuck/edgenode/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/dns/dnsmessage"
)

const DefaultDNSTTL = 60

type dnsQuery struct {
	data []byte
	from netip.AddrPort
}

// DNSResponder resolves every A question to one address. A reader
// goroutine queues raw queries; ServePending answers them on the caller's
// goroutine.
type DNSResponder struct {
	TTL uint32

	mu      sync.Mutex
	conn    *net.UDPConn
	answer  netip.Addr
	queries chan dnsQuery
	wg      sync.WaitGroup
}

func NewDNSResponder(queue int) *DNSResponder {
	if queue <= 0 {
		queue = 32
	}
	return &DNSResponder{TTL: DefaultDNSTTL, queries: make(chan dnsQuery, queue)}
}

func (d *DNSResponder) Start(listen string, answer netip.Addr) error {
	if !answer.Is4() {
		return fmt.Errorf("portal: dns answer %s is not IPv4", answer)
	}
	laddr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return fmt.Errorf("portal: dns listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("portal: dns listen: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.answer = answer
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(conn)
	log.Info().Str("listen", conn.LocalAddr().String()).Str("answer", answer.String()).Msg("portal: dns responder up")
	return nil
}

func (d *DNSResponder) readLoop(conn *net.UDPConn) {
	defer d.wg.Done()
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		select {
		case d.queries <- dnsQuery{data: append([]byte{}, buf[:n]...), from: from}:
		default:
			observability.RecordDNSQuery("dropped")
		}
	}
}

// ServePending answers every queued query and returns how many replies
// were sent.
func (d *DNSResponder) ServePending() int {
	d.mu.Lock()
	conn, answer, ttl := d.conn, d.answer, d.TTL
	d.mu.Unlock()
	if conn == nil {
		return 0
	}

	served := 0
	for {
		var q dnsQuery
		select {
		case q = <-d.queries:
		default:
			return served
		}
		reply, err := Answer(q.data, answer, ttl)
		if err != nil {
			observability.RecordDNSQuery("malformed")
			log.Debug().Err(err).Str("from", q.from.String()).Msg("portal: dns query dropped")
			continue
		}
		if _, err := conn.WriteToUDPAddrPort(reply, q.from); err != nil {
			log.Debug().Err(err).Msg("portal: dns reply failed")
			continue
		}
		observability.RecordDNSQuery("answered")
		served++
	}
}

func (d *DNSResponder) Stop() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	d.wg.Wait()
	for {
		select {
		case <-d.queries:
		default:
			return err
		}
	}
}

// LocalAddr is the bound socket address, or the zero value when stopped.
func (d *DNSResponder) LocalAddr() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return netip.AddrPort{}
	}
	return d.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Answer builds the reply to one query: an A record pointing at addr for
// A and ANY questions, an empty NOERROR answer for everything else.
func Answer(query []byte, addr netip.Addr, ttl uint32) ([]byte, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(query)
	if err != nil {
		return nil, fmt.Errorf("portal: dns header: %w", err)
	}
	q, err := p.Question()
	if err != nil {
		return nil, fmt.Errorf("portal: dns question: %w", err)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:                 hdr.ID,
		Response:           true,
		OpCode:             hdr.OpCode,
		Authoritative:      true,
		RecursionDesired:   hdr.RecursionDesired,
		RecursionAvailable: false,
		RCode:              dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(q); err != nil {
		return nil, err
	}
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	if q.Type == dnsmessage.TypeA || q.Type == dnsmessage.TypeALL {
		err := b.AResource(
			dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: ttl},
			dnsmessage.AResource{A: addr.As4()},
		)
		if err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

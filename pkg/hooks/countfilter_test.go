package hooks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/packet"
	"github.com/psaab/snfpath/pkg/statetable"
)

func ipv4Packet(t *testing.T) Packet {
	return Packet{Data: ipv4Frame(t), Ifindex: 2, Protocol: packet.EthPIPv4}
}

func TestCountFilterConcurrentCounts(t *testing.T) {
	f := NewCountFilter(CountFilterConfig{Timeout: time.Hour})
	defer f.Close()

	const n = 200
	frame := ipv4Frame(t)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p := Packet{Data: append([]byte(nil), frame...), Ifindex: 2, Protocol: packet.EthPIPv4}
			if v := f.Run(p); v.Action != Pass {
				t.Errorf("verdict = %s", v)
			}
		}()
	}
	close(start)
	wg.Wait()

	e := f.States().Lookup(KeyProtoIP)
	if e == nil {
		t.Fatal("no state element")
	}
	// Seeded with 1 at creation, then exactly one increment per packet.
	if e.Counter() != 1+n {
		t.Fatalf("counter = %d, want %d", e.Counter(), 1+n)
	}
	if f.States().Len() != 1 {
		t.Fatalf("state entries = %d", f.States().Len())
	}
	if got := f.Shadow().Total(); got != n {
		t.Fatalf("shadow total = %d, want %d", got, n)
	}
	if p := e.Snapshot(); p.A != n || p.B != n<<1 {
		t.Fatalf("pair = %+v, want a=%d b=%d", p, n, n<<1)
	}
	if !e.Timer().Pending() {
		t.Fatal("timer not armed")
	}
}

func TestCountFilterPairUnderFiringTimer(t *testing.T) {
	f := NewCountFilter(CountFilterConfig{Timeout: time.Millisecond, Periodic: true})
	defer f.Close()

	stop := make(chan struct{})
	torn := make(chan statetable.Pair, 1)
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if e := f.States().Lookup(KeyProtoIP); e != nil {
				if p := e.Snapshot(); p.B != p.A<<1 {
					select {
					case torn <- p:
					default:
					}
					return
				}
			}
		}
	}()

	// Bursts of concurrent packets separated by gaps around the timeout,
	// so expiries land both between and during bursts.
	var packets atomic.Uint64
	var wg sync.WaitGroup
	deadline := time.Now().Add(5 * time.Second)
	for round := 0; f.Reports() < 5 && time.Now().Before(deadline); round++ {
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					f.Run(ipv4Packet(t))
					packets.Add(1)
				}
			}()
		}
		time.Sleep(time.Duration(900+(round%5)*100) * time.Microsecond)
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	select {
	case p := <-torn:
		t.Fatalf("torn pair observed: %+v", p)
	default:
	}
	if f.Reports() < 5 {
		t.Fatalf("timer fired %d times during traffic", f.Reports())
	}

	// Each packet and each completed expiry bumps the pair once.
	e := f.States().Lookup(KeyProtoIP)
	p := e.Snapshot()
	n := packets.Load()
	if p.B != p.A<<1 {
		t.Fatalf("final pair torn: %+v", p)
	}
	if fires := e.Timer().Fires(); p.A < n || p.A > n+fires {
		t.Fatalf("pair a = %d, want between %d and %d", p.A, n, n+fires)
	}
}

func TestCountFilterPassesWithoutState(t *testing.T) {
	f := NewCountFilter(CountFilterConfig{Timeout: time.Hour})
	defer f.Close()

	full := ipv4Frame(t)
	tests := []struct {
		name string
		p    Packet
	}{
		{"ipv6 declared", Packet{Data: ipv6Frame(t, layers.IPProtocolTCP), Protocol: packet.EthPIPv6}},
		{"arp declared", Packet{Data: full, Protocol: 0x0806}},
		{"short ethernet", Packet{Data: full[:8], Protocol: packet.EthPIPv4}},
		{"short ipv4", Packet{Data: full[:packet.EthHdrLen+10], Protocol: packet.EthPIPv4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := f.Run(tt.p); v.Action != Pass {
				t.Fatalf("verdict = %s, want pass", v)
			}
		})
	}
	if f.States().Len() != 0 || f.Shadow().Len() != 0 {
		t.Fatalf("state touched: states=%d shadow=%d", f.States().Len(), f.Shadow().Len())
	}
	if st := f.Stats(); st.Malformed != 2 {
		t.Fatalf("malformed = %d, want 2", st.Malformed)
	}
}

func TestCountFilterCreateFailureDrops(t *testing.T) {
	ev := &eventLog{}
	f := NewCountFilter(CountFilterConfig{Timeout: time.Hour, Clock: statetable.Clock(99), Events: ev})
	defer f.Close()

	if v := f.Run(ipv4Packet(t)); v.Action != Drop {
		t.Fatalf("first verdict = %s, want drop", v)
	}
	if got := ev.types(); len(got) != 1 || got[0] != logging.EventCreateFail {
		t.Fatalf("events = %v", got)
	}

	// The degraded element stays resident; later packets count and pass
	// because its timer reports not-initialized.
	for i := 0; i < 3; i++ {
		if v := f.Run(ipv4Packet(t)); v.Action != Pass {
			t.Fatalf("verdict on degraded element = %s", v)
		}
	}
	if e := f.States().Lookup(KeyProtoIP); e == nil || e.Counter() != 4 {
		t.Fatalf("degraded element counter wrong: %+v", e)
	}
	if f.States().Degraded() != 1 {
		t.Fatalf("degraded = %d", f.States().Degraded())
	}
}

func TestCountFilterTimerReports(t *testing.T) {
	ev := logging.NewEventBuffer(16)
	f := NewCountFilter(CountFilterConfig{Timeout: 10 * time.Millisecond, Events: ev})
	defer f.Close()

	for i := 0; i < 3; i++ {
		f.Run(ipv4Packet(t))
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.Reports() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r := f.LastReport()
	if r == nil {
		t.Fatal("timer never reported")
	}
	if r.Key != KeyProtoIP || r.Counter != 4 || r.A != 4 || r.B != 8 {
		t.Fatalf("report = %+v", r)
	}
	if got := ev.LatestFiltered(1, logging.EventFilter{Type: logging.EventTimer}); len(got) != 1 {
		t.Fatal("no timer event recorded")
	}

	// One-shot: without further packets it does not fire again.
	time.Sleep(50 * time.Millisecond)
	if f.Reports() != 1 {
		t.Fatalf("reports = %d, want 1", f.Reports())
	}
}

func TestCountFilterPeriodic(t *testing.T) {
	f := NewCountFilter(CountFilterConfig{Timeout: 5 * time.Millisecond, Periodic: true})
	defer f.Close()

	f.Run(ipv4Packet(t))
	deadline := time.Now().Add(2 * time.Second)
	for f.Reports() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.Reports() < 3 {
		t.Fatalf("periodic timer fired %d times", f.Reports())
	}
	if r := f.LastReport(); r.B != r.A<<1 {
		t.Fatalf("torn report %+v", r)
	}
}

func TestCountFilterRearmUnderLoad(t *testing.T) {
	f := NewCountFilter(CountFilterConfig{Timeout: time.Millisecond})
	defer f.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if v := f.Run(ipv4Packet(t)); v.Action != Pass {
					t.Errorf("verdict = %s", v)
					return
				}
			}
		}()
	}
	wg.Wait()
	if st := f.Stats(); st.Errors != 0 || st.Passed != 800 {
		t.Fatalf("stats = %+v", st)
	}
}

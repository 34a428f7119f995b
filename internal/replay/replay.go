// Package replay feeds captured order broadcasts through a ledger to
// reproduce what a terminal would have shown.
//
// A capture is JSON lines, one broadcast envelope per line:
//
//	{"event":"order.created","data":{"order_id":1,...}}
//
// Replay also flags events that bring back an order already seen as paid.
// Paid IDs are tracked in a bloom filter so captures with millions of orders
// fit in memory; a flagged event is therefore a suspect, not a proof.
package replay

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pos-terminal/internal/domain/order"
)

const maxLineSize = 4 << 20

// Options configures a Replayer.
type Options struct {
	// ExpectedOrders sizes the paid-order filter.
	ExpectedOrders uint
	// FalsePositiveRate of the paid-order filter.
	FalsePositiveRate float64
}

// Suspect is an event that re-inserted an order seen paid earlier.
type Suspect struct {
	Source  string          `json:"source"`
	Line    int             `json:"line"`
	Event   order.EventType `json:"event"`
	OrderID order.ID        `json:"order_id"`
}

// Report summarizes a replay.
type Report struct {
	Lines     int                   `json:"lines"`
	Skipped   int                   `json:"skipped"`
	Malformed int                   `json:"malformed"`
	Outcomes  map[order.Outcome]int `json:"outcomes"`
	Suspects  []Suspect             `json:"suspects"`
	Orders    []order.Order         `json:"orders"`
}

// Replayer applies captures in the order they are fed.
type Replayer struct {
	ledger *order.Ledger
	paid   *bloom.BloomFilter

	lines, skipped, malformed int
	outcomes                  map[order.Outcome]int
	suspects                  []Suspect
}

// New creates a Replayer with an empty ledger.
func New(opts Options) *Replayer {
	if opts.ExpectedOrders == 0 {
		opts.ExpectedOrders = 1_000_000
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		opts.FalsePositiveRate = 0.001
	}
	return &Replayer{
		ledger:   order.NewLedger(),
		paid:     bloom.NewWithEstimates(opts.ExpectedOrders, opts.FalsePositiveRate),
		outcomes: make(map[order.Outcome]int),
		suspects: []Suspect{},
	}
}

// Open opens a capture file, decompressing .gz files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "gzip %s", path)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*pgzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return zerr
}

type rawLine struct {
	n    int
	data []byte
}

// Feed replays one capture. Lines are decoded on one goroutine and applied on
// another, in order.
func (r *Replayer) Feed(ctx context.Context, name string, src io.Reader) error {
	lines := make(chan rawLine, 256)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)

		sc := bufio.NewScanner(src)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		n := 0
		for sc.Scan() {
			n++
			if len(strings.TrimSpace(sc.Text())) == 0 {
				continue
			}
			select {
			case lines <- rawLine{n: n, data: append([]byte(nil), sc.Bytes()...)}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sc.Err(); err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		return nil
	})

	g.Go(func() error {
		for l := range lines {
			r.apply(name, l)
		}
		return nil
	})

	return g.Wait()
}

func (r *Replayer) apply(source string, l rawLine) {
	r.lines++

	ev, err := order.DecodeBroadcast(l.data)
	switch {
	case errors.Is(err, order.ErrUnknownEvent):
		r.skipped++
		return
	case err != nil:
		r.malformed++
		return
	}

	id := string(ev.Order.ID)
	outcome := r.ledger.Apply(ev)
	r.outcomes[outcome]++

	switch {
	case ev.Type == order.EventPaid:
		r.paid.AddString(id)
	case (outcome == order.OutcomeInserted || outcome == order.OutcomeRecovered) && r.paid.TestString(id):
		r.suspects = append(r.suspects, Suspect{
			Source:  source,
			Line:    l.n,
			Event:   ev.Type,
			OrderID: ev.Order.ID,
		})
	}
}

// Report returns the counters so far and the ledger contents, newest first.
func (r *Replayer) Report() Report {
	outcomes := make(map[order.Outcome]int, len(r.outcomes))
	for k, v := range r.outcomes {
		outcomes[k] = v
	}
	return Report{
		Lines:     r.lines,
		Skipped:   r.skipped,
		Malformed: r.malformed,
		Outcomes:  outcomes,
		Suspects:  append([]Suspect{}, r.suspects...),
		Orders:    r.ledger.Orders(),
	}
}

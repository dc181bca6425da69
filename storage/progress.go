package storage

import (
	"io"
	"sync"
)

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(int)

	// the transport reads from its own goroutine while finish runs on the caller's
	mu   sync.Mutex
	last int
}

func newProgressReader(r io.Reader, total int64, fn func(int)) *progressReader {
	p := &progressReader{r: r, total: total, last: -1, fn: fn}
	p.report(0)
	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		p.report(pct)
	}
	return n, err
}

func (p *progressReader) finish() {
	p.report(100)
}

// report only forwards increases
func (p *progressReader) report(pct int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

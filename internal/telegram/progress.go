package telegram

import "io"

// progressReader counts bytes flowing through an io.Reader and reports
// them to a callback together with the expected total.
type progressReader struct {
	r          io.Reader
	total      int64
	sent       int64
	onProgress func(sent, total int64)
}

func newProgressReader(r io.Reader, total int64, onProgress func(sent, total int64)) io.Reader {
	if onProgress == nil {
		return r
	}
	return &progressReader{r: r, total: total, onProgress: onProgress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		p.onProgress(p.sent, p.total)
	}
	return n, err
}

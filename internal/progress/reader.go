package progress

import "io"

// Reader wraps an io.Reader and calls OnProgress every interval bytes and
// once more when the read crosses each step percent of the total.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	step       int64
	onProgress func(read, total int64)

	read          int64
	sinceReport   int64
	lastPercentAt int64
}

// NewReader creates a Reader. A non-positive step disables percentage reports.
func NewReader(r io.Reader, total, interval int64, step int, cb func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		step:       int64(step),
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n <= 0 {
		return n, err
	}

	pr.read += int64(n)
	pr.sinceReport += int64(n)

	if pr.shouldReport() {
		pr.onProgress(pr.read, pr.total)
		pr.sinceReport = 0
	}

	return n, err
}

// Reset continues reading from r, keeping the counters. It lets one Reader
// report progress across several sources that make up one total.
func (pr *Reader) Reset(r io.Reader) {
	pr.r = r
}

// BytesRead returns the number of bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) shouldReport() bool {
	if pr.interval > 0 && pr.sinceReport >= pr.interval {
		return true
	}

	if pr.total <= 0 || pr.step <= 0 {
		return false
	}

	percent := pr.read * 100 / pr.total
	if percent/pr.step > pr.lastPercentAt/pr.step {
		pr.lastPercentAt = percent

		return true
	}

	return false
}

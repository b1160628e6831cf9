package audio

import (
	"bytes"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/opusmixd/opusmixd/internal/subprocess"
)

// pollInterval bounds how long Read waits for the producer to hand over more
// bytes before returning whatever is currently queued.
const pollInterval = 20 * time.Millisecond

// Decoder owns an ffmpeg subprocess that converts one input file (optionally
// seeked) into raw interleaved PCM at a fixed output Format. A background
// producer goroutine continuously drains the child's stdout into an internal
// byte queue; Read is the single concurrent consumer of that queue.
type Decoder struct {
	proc   *subprocess.Handle
	format Format

	mu  sync.Mutex
	buf []byte
	eof bool

	msgsMu sync.Mutex
	msgs   bytes.Buffer

	producerDone chan struct{}
	stderrDone   chan struct{}

	closeOnce sync.Once
}

// NewDecoder spawns ffmpeg to decode filename, starting at offsetSeconds
// (0 means from the beginning), producing PCM in outFmt. It returns a
// validation error synchronously for an unsupported (bit depth, float-ness)
// pair, without ever spawning a process.
func NewDecoder(filename string, offsetSeconds float64, outFmt Format) (*Decoder, error) {
	return newDecoder("ffmpeg", filename, offsetSeconds, outFmt)
}

func newDecoder(command, filename string, offsetSeconds float64, outFmt Format) (*Decoder, error) {
	sampleFmt, err := outFmt.ffmpegSampleFmt()
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, 10)
	if offsetSeconds > 0 {
		args = append(args, "-ss", strconv.FormatFloat(offsetSeconds, 'f', -1, 64))
	}
	args = append(args,
		"-i", filename,
		"-ac", strconv.Itoa(outFmt.Channels),
		"-ar", strconv.Itoa(outFmt.SampleRateHz),
		"-f", sampleFmt,
		"-",
	)

	return spawnDecoder(command, args, outFmt)
}

func spawnDecoder(command string, args []string, outFmt Format) (*Decoder, error) {
	proc, err := subprocess.Spawn(command, args...)
	if err != nil {
		return nil, err
	}
	proc.CloseStdin()

	d := &Decoder{
		proc:         proc,
		format:       outFmt,
		producerDone: make(chan struct{}),
		stderrDone:   make(chan struct{}),
	}
	go d.runProducer()
	go d.runStderrPump()
	return d, nil
}

func (d *Decoder) runProducer() {
	defer close(d.producerDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := d.proc.StdoutRead(buf)
		if n > 0 {
			d.mu.Lock()
			d.buf = append(d.buf, buf[:n]...)
			d.mu.Unlock()
		}
		if err != nil {
			d.mu.Lock()
			d.eof = true
			d.mu.Unlock()
			return
		}
	}
}

func (d *Decoder) runStderrPump() {
	defer close(d.stderrDone)
	buf := make([]byte, 4096)
	for {
		n, err := d.proc.StderrRead(buf)
		if n > 0 {
			d.msgsMu.Lock()
			d.msgs.Write(buf[:n])
			d.msgsMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Messages returns whatever the ffmpeg subprocess has written to stderr so
// far.
func (d *Decoder) Messages() string {
	d.msgsMu.Lock()
	defer d.msgsMu.Unlock()
	return d.msgs.String()
}

// Read accumulates up to nBytes from the internal queue, polling at
// pollInterval rather than busy-spinning while the producer is still
// filling it. It returns early, with fewer than nBytes, only once the
// producer has observed end-of-stream -- a short (but non-empty) read is
// therefore a reliable drained signal, and an empty one means true EOF.
func (d *Decoder) Read(nBytes int) []byte {
	for {
		d.mu.Lock()
		avail := len(d.buf)
		if avail >= nBytes || (avail > 0 && d.eof) {
			n := avail
			if n > nBytes {
				n = nBytes
			}
			out := make([]byte, n)
			copy(out, d.buf[:n])
			d.buf = d.buf[n:]
			d.mu.Unlock()
			return out
		}
		if avail == 0 && d.eof {
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
		time.Sleep(pollInterval)
	}
}

// Wait drains the queue to end-of-stream, joins the producer and stderr
// pump, and returns the subprocess exit status. Wait is one of the calls
// that reads the byte queue (via Read) and so, like Read itself, must only
// ever be called by the single goroutine that already owns this decoder.
func (d *Decoder) Wait() int {
	for d.Read(1 << 16) != nil {
	}
	<-d.producerDone
	<-d.stderrDone
	return d.proc.Wait()
}

// Close terminates the decoder: it sends SIGINT to the subprocess, then
// performs the same drain-and-join as Wait. Close is idempotent and safe to
// call more than once, but -- because it calls Read via Wait -- only from
// the same goroutine (or after the same goroutine) that owns the decoder's
// reads. A goroutine that does not already own the decoder's reads (e.g. a
// Stream terminating a decoder some other in-flight call may still be
// reading) must use Stop instead.
func (d *Decoder) Close() {
	d.closeOnce.Do(func() {
		d.proc.Signal(syscall.SIGINT)
		d.Wait()
	})
}

// Stop terminates the decoder's subprocess without itself reading the byte
// queue: it sends SIGINT and waits for the producer and stderr pumps to
// observe end-of-stream and for the subprocess to exit, the same way Wait
// does, but never calls Read. This is what lets a decoder be terminated
// from a goroutine other than the one already blocked inside that
// decoder's Read: only the reading goroutine may ever call Read or Wait,
// since there is exactly one concurrent reader per decoder; everyone else
// must call Stop. The reading goroutine still observes the resulting short
// read and runs its own Wait to reap the exit status; Handle.Wait is
// idempotent, so that second reap is cheap.
func (d *Decoder) Stop() {
	d.proc.Signal(syscall.SIGINT)
	<-d.producerDone
	<-d.stderrDone
	d.proc.Wait()
}

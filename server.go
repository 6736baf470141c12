package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richardartoul/tieredcache/artifact"
	"github.com/richardartoul/tieredcache/cachekey"
	"github.com/richardartoul/tieredcache/controller"
	"github.com/richardartoul/tieredcache/locking"
	"github.com/richardartoul/tieredcache/metrics"
)

// Cmd represents a cache command type.
type Cmd string

const (
	CmdPut   = Cmd("put")
	CmdGet   = Cmd("get")
	CmdClose = Cmd("close")
)

// Request represents a request from the go command.
type Request struct {
	ID       int64
	Command  Cmd
	ActionID []byte `json:",omitempty"`
	OutputID []byte `json:",omitempty"`
	Body     io.Reader
	BodySize int64 `json:",omitempty"`
}

// Response represents a response to the go command.
type Response struct {
	ID            int64      `json:",omitempty"`
	Err           string     `json:",omitempty"`
	KnownCommands []Cmd      `json:",omitempty"`
	Miss          bool       `json:",omitempty"`
	OutputID      []byte     `json:",omitempty"`
	Size          int64      `json:",omitempty"`
	Time          *time.Time `json:",omitempty"`
	DiskPath      string     `json:",omitempty"`
}

// requestRecorder receives one event per handled request.
type requestRecorder interface {
	IncRequest(command, result string)
}

type noopRecorder struct{}

func (noopRecorder) IncRequest(string, string) {}

// CacheProgOptions configures a CacheProg.
type CacheProgOptions struct {
	// OutputDir receives the uncompressed outputs handed to the go command.
	OutputDir  string
	Codec      artifact.Codec
	LockGroup  locking.Group
	Logger     *slog.Logger
	Latency    *metrics.LatencyTracker
	Recorder   requestRecorder
	PrintStats bool
	// Stats is where statistics are printed on exit. Defaults to os.Stderr.
	Stats io.Writer
}

// CacheProg implements the GOCACHEPROG protocol on top of a tiered cache
// controller.
type CacheProg struct {
	ctrl       *controller.Controller
	opts       CacheProgOptions
	reader     *bufio.Reader
	writer     *bufio.Writer
	writerLock sync.Mutex

	putCount   atomic.Int64
	putBytes   atomic.Int64
	getCount   atomic.Int64
	hitCount   atomic.Int64
	missCount  atomic.Int64
	hitBytes   atomic.Int64
	errorCount atomic.Int64
}

// NewCacheProg creates a new cache program reading requests from in and
// writing responses to out.
func NewCacheProg(ctrl *controller.Controller, in io.Reader, out io.Writer, opts CacheProgOptions) *CacheProg {
	if opts.LockGroup == nil {
		opts.LockGroup = locking.NewMemLock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Latency == nil {
		opts.Latency = metrics.NewLatencyTracker(0.01)
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Stats == nil {
		opts.Stats = os.Stderr
	}
	return &CacheProg{
		ctrl:   ctrl,
		opts:   opts,
		reader: bufio.NewReader(in),
		writer: bufio.NewWriter(out),
	}
}

// SendResponse writes one response line (thread-safe).
func (cp *CacheProg) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	cp.writerLock.Lock()
	defer cp.writerLock.Unlock()

	if _, err := cp.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := cp.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return cp.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (cp *CacheProg) SendInitialResponse() error {
	return cp.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdPut, CmdGet, CmdClose},
	})
}

// readLine reads a line, skipping empty lines.
func (cp *CacheProg) readLine() ([]byte, error) {
	for {
		line, err := cp.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(strings.TrimSpace(string(line))) > 0 {
				return line, nil
			}
			return nil, err
		}

		line = line[:len(line)-1]
		if len(strings.TrimSpace(string(line))) > 0 {
			return line, nil
		}
	}
}

// ReadRequest reads one request. Put bodies follow on the next line as a
// base64 JSON string.
func (cp *CacheProg) ReadRequest() (*Request, error) {
	line, err := cp.readLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, string(line))
	}

	if req.Command == CmdPut && req.BodySize > 0 {
		bodyLine, err := cp.readLine()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("error reading body line: %w", err)
		}

		var base64Str string
		if err := json.Unmarshal(bodyLine, &base64Str); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body as JSON string: %w (line: %q)", err, string(bodyLine))
		}

		bodyData, err := base64.StdEncoding.DecodeString(base64Str)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		req.Body = strings.NewReader(string(bodyData))
	}

	return &req, nil
}

func requestKey(req *Request) (cachekey.Key, error) {
	if len(req.ActionID) != sha256.Size {
		return cachekey.Key{}, fmt.Errorf("invalid action ID length %d", len(req.ActionID))
	}
	return cachekey.New(req.ActionID), nil
}

// HandleRequest processes a single request and sends a response.
func (cp *CacheProg) HandleRequest(ctx context.Context, req *Request) error {
	var resp Response
	resp.ID = req.ID

	switch req.Command {
	case CmdPut:
		cp.putCount.Add(1)
		err := cp.opts.Latency.Time("put", func() error {
			diskPath, err := cp.put(ctx, req)
			resp.DiskPath = diskPath
			return err
		})
		if err != nil {
			cp.errorCount.Add(1)
			cp.opts.Recorder.IncRequest(string(CmdPut), "error")
			resp.Err = err.Error()
		} else {
			cp.putBytes.Add(req.BodySize)
			cp.opts.Recorder.IncRequest(string(CmdPut), "ok")
		}

	case CmdGet:
		cp.getCount.Add(1)
		var (
			meta artifact.Metadata
			hit  bool
		)
		err := cp.opts.Latency.Time("get", func() error {
			var err error
			meta, hit, err = cp.get(ctx, req)
			return err
		})
		switch {
		case err != nil:
			cp.errorCount.Add(1)
			cp.opts.Recorder.IncRequest(string(CmdGet), "error")
			resp.Err = err.Error()
		case !hit:
			cp.missCount.Add(1)
			cp.opts.Recorder.IncRequest(string(CmdGet), "miss")
			resp.Miss = true
		default:
			cp.hitCount.Add(1)
			cp.hitBytes.Add(meta.Size)
			cp.opts.Recorder.IncRequest(string(CmdGet), "hit")
			putTime := meta.PutTime
			resp.OutputID = meta.OutputID
			resp.DiskPath = meta.DiskPath
			resp.Size = meta.Size
			resp.Time = &putTime
		}

	case CmdClose:
		if err := cp.ctrl.Close(); err != nil {
			resp.Err = err.Error()
		}

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return cp.SendResponse(resp)
}

// lockKey scopes per-key locking to one command. Groups that share results
// between concurrent callers must never hand a get result to a put.
func lockKey(cmd Cmd, key cachekey.Key) string {
	return string(cmd) + "/" + key.Hex()
}

// put writes the output where the go command will read it, then stores it
// in every tier. The output file doubles as the body of the entry.
func (cp *CacheProg) put(ctx context.Context, req *Request) (string, error) {
	key, err := requestKey(req)
	if err != nil {
		return "", err
	}

	result, err := cp.opts.LockGroup.DoWithLock(lockKey(CmdPut, key), func() (interface{}, error) {
		diskPath, err := artifact.WriteOutput(cp.opts.OutputDir, key, req.Body, req.BodySize)
		if err != nil {
			return "", err
		}

		file, err := os.Open(diskPath)
		if err != nil {
			return "", fmt.Errorf("failed to reopen output: %w", err)
		}
		defer file.Close()

		cmd := artifact.NewStoreCommand(key, req.OutputID, file, req.BodySize, cp.opts.Codec)
		if err := cp.ctrl.Store(ctx, cmd); err != nil {
			return "", err
		}
		return diskPath, nil
	})
	if err != nil {
		return "", err
	}
	diskPath, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected put result %T for %s", result, key)
	}
	return diskPath, nil
}

// get loads the entry for the request's action ID. Entries that cannot be
// unpacked are reported as misses so the go command rebuilds them.
func (cp *CacheProg) get(ctx context.Context, req *Request) (artifact.Metadata, bool, error) {
	key, err := requestKey(req)
	if err != nil {
		return artifact.Metadata{}, false, err
	}

	result, err := cp.opts.LockGroup.DoWithLock(lockKey(CmdGet, key), func() (interface{}, error) {
		loaded, hit, err := cp.ctrl.Load(ctx, artifact.NewLoadCommand(key, cp.opts.OutputDir))
		if err != nil {
			var fatal *controller.FatalError
			if errors.As(err, &fatal) {
				cp.opts.Logger.Warn("discarding unreadable cache entry",
					"key", key,
					"error", err)
				return nil, nil
			}
			return nil, err
		}
		if !hit {
			return nil, nil
		}
		meta := loaded.Metadata.(artifact.Metadata)
		return &meta, nil
	})
	if err != nil {
		return artifact.Metadata{}, false, err
	}
	meta, _ := result.(*artifact.Metadata)
	if meta == nil {
		return artifact.Metadata{}, false, nil
	}
	return *meta, true, nil
}

// Run processes requests concurrently until close or EOF.
func (cp *CacheProg) Run(ctx context.Context) error {
	if err := cp.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	closed := false

	for {
		req, err := cp.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			wg.Wait()
			return fmt.Errorf("failed to read request: %w", err)
		}

		if req.Command == CmdClose {
			// Let pending requests finish before the tiers are closed.
			wg.Wait()
			if err := cp.HandleRequest(ctx, req); err != nil {
				return fmt.Errorf("failed to handle close request: %w", err)
			}
			closed = true
			break
		}

		wg.Add(1)
		go func(r *Request) {
			defer wg.Done()
			if err := cp.HandleRequest(ctx, r); err != nil {
				select {
				case errChan <- err:
				default:
				}
			}
		}(req)

		select {
		case err := <-errChan:
			wg.Wait()
			return fmt.Errorf("failed to handle request: %w", err)
		default:
		}
	}

	wg.Wait()
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to handle request: %w", err)
	default:
	}

	if !closed {
		if err := cp.ctrl.Close(); err != nil {
			cp.opts.Logger.Warn("failed to close build cache", "error", err)
		}
	}

	if cp.opts.PrintStats {
		cp.printStats()
	}
	return nil
}

func (cp *CacheProg) printStats() {
	w := cp.opts.Stats
	getCount := cp.getCount.Load()
	hitCount := cp.hitCount.Load()
	putCount := cp.putCount.Load()
	missCount := cp.missCount.Load()
	hitRate := 0.0
	if getCount > 0 {
		hitRate = float64(hitCount) / float64(getCount) * 100
	}

	fmt.Fprintf(w, "Cache statistics:\n")
	fmt.Fprintf(w, "  GET operations: %d (hits: %d, misses: %d, hit rate: %.1f%%, hit bytes: %s)\n",
		getCount, hitCount, missCount, hitRate, formatBytes(cp.hitBytes.Load()))
	fmt.Fprintf(w, "  PUT operations: %d (bytes: %s)\n", putCount, formatBytes(cp.putBytes.Load()))
	fmt.Fprintf(w, "  Errors: %d\n", cp.errorCount.Load())

	fmt.Fprintf(w, "Tiers:\n")
	for _, s := range cp.ctrl.Status() {
		if !s.Present {
			fmt.Fprintf(w, "  %s: not configured\n", s.Tier)
			continue
		}
		state := "enabled"
		if s.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "  %s: %s (push: %t, consecutive failures: %d)\n", s.Tier, state, s.Push, s.Failures)
	}

	if stats := cp.opts.Latency.AllStats(); len(stats) > 0 {
		fmt.Fprintf(w, "Latency:\n")
		for _, s := range stats {
			fmt.Fprintln(w, s.String())
		}
	}
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}

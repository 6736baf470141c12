package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/tieredcache/artifact"
	"github.com/richardartoul/tieredcache/config"
	"github.com/richardartoul/tieredcache/controller"
	"github.com/richardartoul/tieredcache/locking"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{1536 * 1024, "1.50 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024*1024*1024*2 + 1024*1024*512, "2.50 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
		{1024*1024*1024*1024*3 + 1024*1024*1024*716, "3.70 TB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func actionID(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// wireRequest is a Request as the go command writes it, without the body.
type wireRequest struct {
	ID       int64
	Command  Cmd
	ActionID []byte `json:",omitempty"`
	OutputID []byte `json:",omitempty"`
	BodySize int64  `json:",omitempty"`
}

func encodeRequest(t *testing.T, req wireRequest, body []byte) string {
	t.Helper()
	req.BodySize = int64(len(body))
	line, err := json.Marshal(req)
	require.NoError(t, err)
	out := string(line) + "\n"
	if len(body) > 0 {
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(body))
		require.NoError(t, err)
		out += string(encoded) + "\n"
	}
	return out
}

// testCacheDirs is the on-disk state shared by consecutive cache program
// runs, like consecutive go command invocations.
type testCacheDirs struct {
	cfg config.Config
	// onStart runs once the tiers are connected.
	onStart func()
	// lockGroup defaults to an in-memory lock.
	lockGroup locking.Group
}

func newTestCacheDirs(t *testing.T) *testCacheDirs {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Local.Dir = filepath.Join(base, "local")
	cfg.LegacyLocal.Dir = filepath.Join(base, "legacy")
	cfg.LegacyLocal.Push = true
	cfg.OutputDir = filepath.Join(base, "outputs")
	cfg.TempDir = filepath.Join(base, "tmp")
	cfg.PrintStats = true
	return &testCacheDirs{cfg: cfg}
}

// run starts a cache program over input and returns its responses by ID
// together with the statistics it printed.
func (d *testCacheDirs) run(t *testing.T, input string) (map[int64]Response, string) {
	t.Helper()
	require.NoError(t, d.cfg.Validate())

	ctx := context.Background()
	tiers, err := createTiers(ctx, d.cfg, newLogger(false))
	require.NoError(t, err)
	if d.onStart != nil {
		d.onStart()
	}

	tmp, err := controller.NewDirTempFileStore(d.cfg.TempDir)
	require.NoError(t, err)
	ctrl := controller.New(tiers.servicesConfig(d.cfg), controller.WithTempFileStore(tmp))

	codec, err := artifact.ParseCodec(d.cfg.Compression)
	require.NoError(t, err)

	lockGroup := d.lockGroup
	if lockGroup == nil {
		lockGroup = locking.NewMemLock()
	}

	var out, stats bytes.Buffer
	prog := NewCacheProg(ctrl, strings.NewReader(input), &out, CacheProgOptions{
		OutputDir:  d.cfg.OutputDir,
		Codec:      codec,
		LockGroup:  lockGroup,
		PrintStats: d.cfg.PrintStats,
		Stats:      &stats,
	})
	require.NoError(t, prog.Run(ctx))

	responses := make(map[int64]Response)
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses[resp.ID] = resp
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []Cmd{CmdPut, CmdGet, CmdClose}, responses[0].KnownCommands)
	return responses, stats.String()
}

func TestCacheProgPutThenGet(t *testing.T) {
	dirs := newTestCacheDirs(t)
	body := bytes.Repeat([]byte("compiled output\n"), 100)
	id := actionID("build main")

	responses, _ := dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdPut, ActionID: id, OutputID: []byte("out-1")}, body)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))

	put := responses[1]
	require.Empty(t, put.Err)
	data, err := os.ReadFile(put.DiskPath)
	require.NoError(t, err)
	require.Equal(t, body, data)
	require.Empty(t, responses[2].Err)

	// Second invocation with the outputs removed: served from the local tier.
	require.NoError(t, os.RemoveAll(dirs.cfg.OutputDir))
	responses, stats := dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: id}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))

	get := responses[1]
	require.Empty(t, get.Err)
	require.False(t, get.Miss)
	require.Equal(t, []byte("out-1"), get.OutputID)
	require.Equal(t, int64(len(body)), get.Size)
	require.NotNil(t, get.Time)
	data, err = os.ReadFile(get.DiskPath)
	require.NoError(t, err)
	require.Equal(t, body, data)
	require.Contains(t, stats, "hits: 1")
	require.Contains(t, stats, "local: enabled")
}

// keyRecordingGroup records the keys passed to the wrapped Group.
type keyRecordingGroup struct {
	locking.Group

	mu   sync.Mutex
	keys map[string]int
}

func (g *keyRecordingGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	g.keys[key]++
	g.mu.Unlock()
	return g.Group.DoWithLock(key, fn)
}

func TestCacheProgOverlappingPutAndGetWithSingleflight(t *testing.T) {
	dirs := newTestCacheDirs(t)
	group := &keyRecordingGroup{Group: locking.NewSingleflightGroup(), keys: make(map[string]int)}
	dirs.lockGroup = group

	body := bytes.Repeat([]byte("shared output\n"), 50)
	id := actionID("overlap")

	// Requests are handled concurrently, so puts and gets for the same
	// action ID overlap inside the lock group.
	var input strings.Builder
	const pairs = 20
	for i := 0; i < pairs; i++ {
		input.WriteString(encodeRequest(t, wireRequest{ID: int64(2*i + 1), Command: CmdPut, ActionID: id, OutputID: []byte("o")}, body))
		input.WriteString(encodeRequest(t, wireRequest{ID: int64(2*i + 2), Command: CmdGet, ActionID: id}, nil))
	}
	input.WriteString(encodeRequest(t, wireRequest{ID: 2*pairs + 1, Command: CmdClose}, nil))

	responses, _ := dirs.run(t, input.String())
	for i := 0; i < pairs; i++ {
		put := responses[int64(2*i+1)]
		require.Empty(t, put.Err)
		require.NotEmpty(t, put.DiskPath)

		get := responses[int64(2*i+2)]
		require.Empty(t, get.Err)
		if !get.Miss {
			require.Equal(t, int64(len(body)), get.Size)
			data, err := os.ReadFile(get.DiskPath)
			require.NoError(t, err)
			require.Equal(t, body, data)
		}
	}

	require.Len(t, group.keys, 2)
	for key := range group.keys {
		require.True(t, strings.HasPrefix(key, "put/") || strings.HasPrefix(key, "get/"), key)
	}
}

func TestCacheProgLoadsFromLegacyAfterLocalIsCleared(t *testing.T) {
	dirs := newTestCacheDirs(t)
	dirs.cfg.Compression = "zstd"
	body := []byte("object file")
	id := actionID("legacy")

	dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdPut, ActionID: id, OutputID: []byte("o")}, body)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))

	require.NoError(t, os.RemoveAll(dirs.cfg.Local.Dir))
	responses, _ := dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: id}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.False(t, responses[1].Miss)
	require.Equal(t, int64(len(body)), responses[1].Size)

	// The hit was written back, so the legacy tier is no longer needed.
	require.NoError(t, os.RemoveAll(dirs.cfg.LegacyLocal.Dir))
	responses, _ = dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: id}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.False(t, responses[1].Miss)
}

func TestCacheProgRedisRemote(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	dirs := newTestCacheDirs(t)
	dirs.cfg.LegacyLocal.Dir = ""
	dirs.cfg.Remote.Type = config.RemoteRedis
	dirs.cfg.Remote.Redis.URL = "redis://" + srv.Addr()
	body := []byte("remote object")
	id := actionID("remote")

	dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdPut, ActionID: id, OutputID: []byte("r")}, body)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.Len(t, srv.Keys(), 1)

	// A fresh machine: empty local tier, same remote.
	fresh := newTestCacheDirs(t)
	fresh.cfg.LegacyLocal.Dir = ""
	fresh.cfg.Remote = dirs.cfg.Remote
	responses, stats := fresh.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: id}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.False(t, responses[1].Miss)
	data, err := os.ReadFile(responses[1].DiskPath)
	require.NoError(t, err)
	require.Equal(t, body, data)
	require.Contains(t, stats, "remote: enabled")
}

func TestCacheProgRemoteOutage(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	dirs := newTestCacheDirs(t)
	dirs.cfg.LegacyLocal.Dir = ""
	dirs.cfg.Remote.Type = config.RemoteRedis
	dirs.cfg.Remote.Redis.URL = "redis://" + srv.Addr()
	dirs.onStart = func() { srv.SetError("server is down") }

	var input strings.Builder
	for i := int64(1); i <= 5; i++ {
		input.WriteString(encodeRequest(t, wireRequest{ID: i, Command: CmdGet, ActionID: actionID(string(rune('a' + i)))}, nil))
	}
	input.WriteString(encodeRequest(t, wireRequest{ID: 6, Command: CmdClose}, nil))

	responses, stats := dirs.run(t, input.String())
	for i := int64(1); i <= 5; i++ {
		require.Empty(t, responses[i].Err, "remote failures are not request failures")
		require.True(t, responses[i].Miss)
	}
	require.Contains(t, stats, "remote: disabled")
}

func TestCacheProgMissAndErrors(t *testing.T) {
	dirs := newTestCacheDirs(t)

	responses, stats := dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: actionID("missing")}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdGet, ActionID: []byte("short")}, nil)+
			encodeRequest(t, wireRequest{ID: 3, Command: "bogus"}, nil)+
			encodeRequest(t, wireRequest{ID: 4, Command: CmdClose}, nil))

	require.True(t, responses[1].Miss)
	require.Empty(t, responses[1].Err)
	require.Contains(t, responses[2].Err, "invalid action ID")
	require.Contains(t, responses[3].Err, "unknown command")
	require.Contains(t, stats, "misses: 1")
	require.Contains(t, stats, "Errors: 1")
}

func TestCacheProgEmptyBody(t *testing.T) {
	dirs := newTestCacheDirs(t)
	id := actionID("empty")

	responses, _ := dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdPut, ActionID: id, OutputID: []byte("e")}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.Empty(t, responses[1].Err)

	responses, _ = dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: id}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.False(t, responses[1].Miss)
	require.Equal(t, int64(0), responses[1].Size)
}

func TestCacheProgDiscardsCorruptEntries(t *testing.T) {
	dirs := newTestCacheDirs(t)
	dirs.cfg.LegacyLocal.Dir = ""
	id := actionID("corrupt")

	dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdPut, ActionID: id, OutputID: []byte("c")}, []byte("data"))+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))

	// Overwrite every local entry with garbage.
	err := filepath.Walk(dirs.cfg.Local.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		return os.WriteFile(path, []byte("garbage"), 0644)
	})
	require.NoError(t, err)

	responses, _ := dirs.run(t,
		encodeRequest(t, wireRequest{ID: 1, Command: CmdGet, ActionID: id}, nil)+
			encodeRequest(t, wireRequest{ID: 2, Command: CmdClose}, nil))
	require.Empty(t, responses[1].Err)
	require.True(t, responses[1].Miss)
}

func TestConfigPathFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: nil, want: ""},
		{args: []string{"-config=/etc/cache.yaml"}, want: "/etc/cache.yaml"},
		{args: []string{"-debug", "--config", "c.yaml"}, want: "c.yaml"},
		{args: []string{"-configx=nope"}, want: ""},
		{args: []string{"config"}, want: ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, configPathFromArgs(tt.args), tt.args)
	}
}

func TestCreateLockGroup(t *testing.T) {
	for _, typ := range []string{config.LockMemory, config.LockSingleflight, config.LockNoop, config.LockFS} {
		group, err := createLockGroup(config.LockConfig{Type: typ, Dir: t.TempDir()})
		require.NoError(t, err, typ)

		v, err := group.DoWithLock("k", func() (interface{}, error) { return typ, nil })
		require.NoError(t, err)
		require.Equal(t, typ, v)
	}

	_, err := createLockGroup(config.LockConfig{Type: "etcd"})
	require.Error(t, err)
}

func TestServicesConfigLeavesAbsentTiersNil(t *testing.T) {
	sc := (&tiers{}).servicesConfig(config.Default())
	require.Nil(t, sc.Local)
	require.Nil(t, sc.LegacyLocal)
	require.Nil(t, sc.Remote)
}

package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"davsync/internal/fs"
	"davsync/internal/fs/dav"
	"davsync/internal/journal"
)

// fakeSession 内存中的服务器，按顺序记录收到的请求
type fakeSession struct {
	lock   sync.Mutex
	calls  []string
	chunks []fs.ChunkUpload
	files  map[string][]byte
	etags  map[string]string
	errs   map[string]error

	// 模拟不支持 X-OC-Mtime 的服务器
	ignoreMtime bool

	onPut func(chunk fs.ChunkUpload)
	get   func(remotePath string, header http.Header) *fs.Response
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		files: map[string][]byte{},
		etags: map[string]string{},
		errs:  map[string]error{},
	}
}

func statusError(method, remotePath string, code int) error {
	return &fs.StatusError{
		Method: method,
		Path:   remotePath,
		Code:   code,
		Status: fmt.Sprintf("%d %s", code, http.StatusText(code)),
	}
}

func textResponse(code int, body string, header http.Header) *fs.Response {
	if header == nil {
		header = http.Header{}
	}
	return &fs.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func (s *fakeSession) record(call string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, call)
	return s.errs[call]
}

func (s *fakeSession) Calls() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) put(remotePath, data, etag string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.files[remotePath] = []byte(data)
	s.etags[remotePath] = etag
}

func (s *fakeSession) Delete(_ context.Context, remotePath string) error {
	if err := s.record("DELETE " + remotePath); err != nil {
		return err
	}
	s.lock.Lock()
	delete(s.files, remotePath)
	s.lock.Unlock()
	return nil
}

func (s *fakeSession) Mkcol(_ context.Context, remotePath string) error {
	return s.record("MKCOL " + remotePath)
}

func (s *fakeSession) Move(_ context.Context, from, to string) error {
	if err := s.record("MOVE " + from + " " + to); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if data, ok := s.files[from]; ok {
		s.files[to] = data
		s.etags[to] = `"moved"`
		delete(s.files, from)
	}
	return nil
}

func (s *fakeSession) PutChunk(_ context.Context, chunk fs.ChunkUpload) (*fs.Response, error) {
	if err := s.record(fmt.Sprintf("PUT %s %d/%d", chunk.Path, chunk.Index, chunk.Count)); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(chunk.Body)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	if chunk.Index == 0 {
		s.files[chunk.Path] = data
	} else {
		s.files[chunk.Path] = append(s.files[chunk.Path], data...)
	}
	etag := fmt.Sprintf(`"%s-%d"`, chunk.Path, len(s.files[chunk.Path]))
	s.etags[chunk.Path] = etag
	chunk.Body = nil
	s.chunks = append(s.chunks, chunk)
	s.lock.Unlock()

	if s.onPut != nil {
		s.onPut(chunk)
	}

	header := http.Header{}
	header.Set(dav.HeaderETag, etag)
	if !s.ignoreMtime {
		header.Set(dav.HeaderMtime, dav.MtimeAccepted)
	}
	return &fs.Response{StatusCode: http.StatusCreated, Status: "201 Created", Header: header}, nil
}

func (s *fakeSession) Get(_ context.Context, remotePath string, header http.Header) (*fs.Response, error) {
	if err := s.record("GET " + remotePath); err != nil {
		return nil, err
	}
	if s.get != nil {
		return s.get(remotePath, header), nil
	}

	s.lock.Lock()
	data, ok := s.files[remotePath]
	etag := s.etags[remotePath]
	s.lock.Unlock()
	if !ok {
		return textResponse(http.StatusNotFound, "<html>not found</html>", nil), nil
	}
	h := http.Header{}
	h.Set(dav.HeaderETag, etag)
	return textResponse(http.StatusOK, string(data), h), nil
}

func (s *fakeSession) Stat(_ context.Context, remotePath string) (*fs.FileMeta, error) {
	if err := s.record("HEAD " + remotePath); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return &fs.FileMeta{
		RelPath: remotePath,
		Size:    int64(len(s.files[remotePath])),
		ETag:    s.etags[remotePath],
	}, nil
}

func (s *fakeSession) SetModTime(_ context.Context, remotePath string, _ time.Time) error {
	return s.record("PROPPATCH " + remotePath)
}

// eventRecorder 记录 Listener 收到的通知
type eventRecorder struct {
	lock     sync.Mutex
	events   []string
	finished []Status
}

func (r *eventRecorder) Progress(p Progress) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, fmt.Sprintf("progress %s %s", p.Kind, p.Item.File))
}

func (r *eventRecorder) Completed(item *SyncItem) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, fmt.Sprintf("completed %s %s", item.File, item.Status))
}

func (r *eventRecorder) Finished(status Status) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, "finished "+status.String())
	r.finished = append(r.finished, status)
}

func (r *eventRecorder) Events() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) Finishes() []Status {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Status(nil), r.finished...)
}

// indexOf 返回第一个等于 event 的位置，没有时返回 -1
func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}

var testNow = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

type testEnv struct {
	p       *Propagator
	session *fakeSession
	fs      afero.Fs
	db      *journal.DB
	clock   clockwork.FakeClock
	events  *eventRecorder
}

func newTestEnv(t *testing.T, configure ...func(opts *Options)) *testEnv {
	t.Helper()
	afs := afero.NewMemMapFs()
	require.NoError(t, afs.MkdirAll("/local", 0755))

	db, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		session: newFakeSession(),
		fs:      afs,
		db:      db,
		clock:   clockwork.NewFakeClockAt(testNow),
		events:  &eventRecorder{},
	}
	opts := &Options{
		LocalDir:  "/local",
		RemoteDir: "/dav",
		Session:   env.session,
		LocalFs:   afs,
		Journal:   db,
		Listener:  env.events,
		Clock:     env.clock,
		ChunkSize: 4096,
	}
	for _, c := range configure {
		c(opts)
	}
	env.p = New(opts)
	return env
}

func (env *testEnv) run(t *testing.T, items ...*SyncItem) Status {
	t.Helper()
	require.NoError(t, env.p.Start(context.Background(), items))
	return env.p.Wait()
}

func (env *testEnv) writeFile(t *testing.T, relPath, data string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(env.fs, "/local/"+relPath, []byte(data), 0644))
}

func (env *testEnv) readFile(t *testing.T, relPath string) string {
	t.Helper()
	data, err := afero.ReadFile(env.fs, "/local/"+relPath)
	require.NoError(t, err)
	return string(data)
}

func (env *testEnv) exists(relPath string) bool {
	ok, _ := afero.Exists(env.fs, "/local/"+relPath)
	return ok
}

// hookReader 被读取时调用一次 fn，不返回任何数据
type hookReader func()

func (h hookReader) Read([]byte) (int, error) {
	h()
	return 0, io.EOF
}

// waitForSleeper 等待有协程阻塞在 clock.Sleep 上
func waitForSleeper(t *testing.T, clock clockwork.FakeClock) {
	t.Helper()
	blocked := make(chan struct{})
	go func() {
		clock.BlockUntil(1)
		close(blocked)
	}()
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("传输没有按限速等待")
	}
}

package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/ignacioreyna/omni-bot/internal/agent/agenttest"
	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/config"
	"github.com/ignacioreyna/omni-bot/internal/coordinator"
	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/permission"
	"github.com/ignacioreyna/omni-bot/internal/repository"
	"github.com/ignacioreyna/omni-bot/tests/helpers"
)

const owner = "dev@example.com"

type testEnv struct {
	h       *Handler
	coord   *coordinator.Coordinator
	rt      *agenttest.Runtime
	root    string
	workdir string
}

func newTestEnvWithStore(t *testing.T, store repository.Store, opts Options) *testEnv {
	t.Helper()
	root := t.TempDir()
	workdir := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(workdir, 0o755))

	rt := agenttest.New()
	allow := config.NewAllowList([]string{root})
	coord := coordinator.New(store, rt, permission.NewBroker(time.Minute, nil), coordinator.Options{
		MaxConcurrentSessions: 5,
		Directories:           allow,
	})
	t.Cleanup(coord.Shutdown)

	if opts.Directories == nil {
		opts.Directories = allow
	}
	return &testEnv{h: NewHandler(coord, opts), coord: coord, rt: rt, root: root, workdir: workdir}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, helpers.NewTestSQLiteStore(t), Options{AuthMode: config.AuthModeNone})
}

type call struct {
	method string
	target string
	body   any
	params map[string]string
	owner  string
	anon   bool
}

// do runs handler against a request built from cl. The request acts as the
// default owner unless cl.owner is set.
func (env *testEnv) do(t *testing.T, handler echo.HandlerFunc, cl call) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()

	var raw []byte
	if cl.body != nil {
		var err error
		raw, err = json.Marshal(cl.body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(cl.method, cl.target, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	for name, value := range cl.params {
		c.SetParamNames(append(c.ParamNames(), name)...)
		c.SetParamValues(append(c.ParamValues(), value)...)
	}
	if !cl.anon {
		who := cl.owner
		if who == "" {
			who = owner
		}
		auth.SetOwner(c, who)
	}

	require.NoError(t, handler(c))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type sessionJSON struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	WorkingDirectory string               `json:"workingDirectory"`
	Status           domain.SessionStatus `json:"status"`
	Model            domain.ModelType     `json:"model"`
	OwnerEmail       string               `json:"ownerEmail"`
	IsDraft          bool                 `json:"isDraft"`
	IsBusy           bool                 `json:"isBusy"`
}

func (env *testEnv) named(t *testing.T, name string) string {
	t.Helper()
	rec, err := env.coord.CreateSession(context.Background(), name, env.workdir, owner)
	require.NoError(t, err)
	return rec.ID()
}

func id(value string) map[string]string { return map[string]string{"id": value} }

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	got := decode[errorResponse](t, rec)
	require.Equal(t, code, got.Code)
	require.NotEmpty(t, got.Error)
}

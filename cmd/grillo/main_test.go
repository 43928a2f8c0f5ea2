package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/client"
	"github.com/go-go-golems/grillo/pkg/config"
	"github.com/go-go-golems/grillo/pkg/interview"
)

func TestConfigDumpHonorsFlagsAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GRILLO_STORE_BACKEND", "sqlite")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "dump", "--log-level", "error"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "backend: sqlite")
	require.Contains(t, out.String(), "silence-hold: 2.5s")
}

func TestBindFlagsOverridesConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v, err := config.NewViper("")
	require.NoError(t, err)

	cmd := newServeCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--addr", ":9999", "--store", "sqlite"}))
	require.NoError(t, bindFlags(v, cmd))

	s, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, ":9999", s.Server.Addr)
	require.Equal(t, "sqlite", s.Store.Backend)
	require.Equal(t, config.Defaults().Store.RedisAddr, s.Store.RedisAddr)

	bad := newServeCommand()
	bad.Annotations = map[string]string{"server.addr": "no-such-flag"}
	require.Error(t, bindFlags(v, bad))
}

func TestBuildServerServesInterviews(t *testing.T) {
	s := config.Defaults()
	s.Store.SQLitePath = filepath.Join(t.TempDir(), "grillo.db")
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s.Store.Backend = backend
			srv, err := buildServer(context.Background(), s)
			require.NoError(t, err)
			ts := httptest.NewServer(srv.HTTPServer().Handler)
			defer ts.Close()

			c, err := client.New(ts.URL)
			require.NoError(t, err)
			st, err := c.Start(context.Background(), client.StartParams{
				Name: "Ada Lovelace", Role: "SRE", Duration: 5, Mode: "text",
				Resume: "Ada Lovelace, operations engineer",
			})
			require.NoError(t, err)
			require.NotEmpty(t, st.SessionID)

			resp, err := http.Get(ts.URL + "/metrics")
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			require.Contains(t, string(body), "grillo_sessions_started_total")
		})
	}
}

func TestBuildServerFallsBackWhenRedisIsDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.Listener.Addr().String()
	dead.Close()

	s := config.Defaults()
	s.Store.Backend = "redis"
	s.Store.RedisAddr = addr
	srv, err := buildServer(context.Background(), s)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, err := client.New(ts.URL)
	require.NoError(t, err)
	_, err = c.Start(context.Background(), client.StartParams{
		Name: "Ada Lovelace", Role: "SRE", Duration: 5, Mode: "text",
		Resume: "Ada Lovelace, operations engineer",
	})
	require.NoError(t, err)

	s.Store.RequireRedis = true
	_, err = buildServer(context.Background(), s)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connect to redis")
}

func TestEncodeReportKeepsFieldOrder(t *testing.T) {
	rep := &interview.Report{
		SessionID: "s1",
		Summary:   "Solid answers.",
		Ratings:   interview.Ratings{Communication: 7, Technical: 8, CultureFit: 6},
		Strengths: []string{"clear"},
	}
	out, err := encodeReport("yaml", rep)
	require.NoError(t, err)
	text := string(out)
	require.Less(t, strings.Index(text, "session_id"), strings.Index(text, "summary"))
	require.Contains(t, text, "summary: Solid answers.")
	require.NotContains(t, text, "{")

	js, err := encodeReport("json", rep)
	require.NoError(t, err)
	require.Contains(t, string(js), `"session_id": "s1"`)

	_, err = encodeReport("xml", rep)
	require.Error(t, err)
}

func TestWavHeader(t *testing.T) {
	pcm := make([]byte, 320)
	wav := wavFile(pcm, 16000)
	require.Len(t, wav, 44+320)
	require.Equal(t, "RIFF", string(wav[:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
	require.EqualValues(t, 16000, binary.LittleEndian.Uint32(wav[24:28]))
	require.EqualValues(t, 320, binary.LittleEndian.Uint32(wav[40:44]))
}

func TestPCMCaptureRecordsOnlyBetweenStartAndStop(t *testing.T) {
	pr, pw := io.Pipe()
	c := newPCMCapture(pr, 16000)
	go c.pump()

	levels := make(chan float64, 16)
	require.NoError(t, c.Start(context.Background(), func(l float64) { levels <- l }))
	loud := make([]byte, 512)
	for i := 0; i < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(16384))
	}
	_, err := pw.Write(loud)
	require.NoError(t, err)
	select {
	case l := <-levels:
		require.InDelta(t, 0.5, l, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no level reported")
	}

	wav, err := c.Stop()
	require.NoError(t, err)
	require.Len(t, wav, 44+512)

	require.NoError(t, pw.Close())
	require.Eventually(t, func() bool {
		return c.Start(context.Background(), nil) != nil
	}, time.Second, 5*time.Millisecond)
}

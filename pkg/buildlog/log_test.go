package buildlog

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

func TestConsoleWriter(t *testing.T) {
	out := &bytes.Buffer{}
	logger := zerolog.New(&ConsoleWriter{Out: out, NoColor: true})
	ctx := ForTask(WithLogger(context.Background(), &logger), "css")

	Log(ctx).Info().Msg("Compiled")
	Log(ctx).Error().Err(eris.New("broken")).Msg("failed")

	lines := strings.Split(out.String(), "\n")
	if lines[0] != "css: Compiled" {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if lines[1] != "css: Error: failed" || !strings.HasPrefix(lines[2], "broken") {
		t.Errorf("unexpected error output %q", out.String())
	}
}

func TestLogFallsBackToGlobalLogger(t *testing.T) {
	if Log(context.Background()) == nil {
		t.Error("Log should never return nil")
	}
}

func TestLogMiddleware(t *testing.T) {
	out := &bytes.Buffer{}
	base := zerolog.New(out)

	var reqLogger *zerolog.Logger
	handler := MakeLogMiddleware(&base)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqLogger = Log(r.Context())
		reqLogger.Info().Msg("handled")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/index.html", nil))

	if reqLogger == &base {
		t.Fatal("requests should get their own logger")
	}
	if !strings.Contains(out.String(), `"req":"`) || !strings.Contains(out.String(), `"message":"handled"`) {
		t.Errorf("request ID is missing: %s", out.String())
	}
}

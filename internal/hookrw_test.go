package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHookRW(t *testing.T) {
	t.Run("fires once before header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		var calls int
		hw := NewHookRW(rec, func(w http.ResponseWriter) bool {
			calls++
			w.Header().Set("X-Hooked", "yes")
			return true
		})

		hw.WriteHeader(http.StatusAccepted)
		if _, err := hw.Write([]byte("body")); err != nil {
			t.Fatal(err)
		}
		hw.Finish()

		if calls != 1 {
			t.Errorf("hook called %d times, want 1", calls)
		}
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
		}
		if got := rec.Header().Get("X-Hooked"); got != "yes" {
			t.Errorf("hook header not set before write, got %q", got)
		}
	})

	t.Run("finish fires when nothing written", func(t *testing.T) {
		var called bool
		hw := NewHookRW(httptest.NewRecorder(), func(http.ResponseWriter) bool {
			called = true
			return true
		})
		hw.Finish()
		if !called {
			t.Error("hook should fire on finish")
		}
	})

	t.Run("interrupting hook drops writes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		hw := NewHookRW(rec, func(w http.ResponseWriter) bool {
			http.Error(w, "nope", http.StatusInternalServerError)
			return false
		})
		if _, err := hw.Write([]byte("ignored")); err == nil {
			t.Error("want error writing after interrupting hook")
		}
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

type markerRW struct {
	http.ResponseWriter
}

func (markerRW) Marker() {}

func TestUnwrapResponseWriterTo(t *testing.T) {
	base := markerRW{ResponseWriter: httptest.NewRecorder()}
	wrapped := NewHookRW(NewHookRW(base, nil), nil)

	if _, ok := UnwrapResponseWriterTo[interface{ Marker() }](wrapped); !ok {
		t.Error("marker writer should be found through hook writers")
	}
	if _, ok := UnwrapResponseWriterTo[interface{ Marker() }](httptest.NewRecorder()); ok {
		t.Error("plain recorder should not match")
	}
}

package reports

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "reportpulse/pkg/logx"
)

func TestDecodeList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr bool
	}{
		{name: "array", body: `[{"reportId":1,"status":"completed"},{"id":"2","status":"queued"}]`, want: []string{"1", "2"}},
		{name: "results", body: `{"results":[{"reportId":3}]}`, want: []string{"3"}},
		{name: "data", body: `{"data":[{"ReportId":4}]}`, want: []string{"4"}},
		{name: "unknown object", body: `{"count":0}`, want: []string{}},
		{name: "empty", body: ``, wantErr: true},
		{name: "garbage", body: `<html>`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeList([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeList(%q) = %+v, want error", tt.body, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeList(%q): %v", tt.body, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("DecodeList(%q) = %+v, want ids %v", tt.body, got, tt.want)
			}
			for i, id := range tt.want {
				if got[i].Key().String() != id {
					t.Fatalf("item %d key = %q, want %q", i, got[i].Key(), id)
				}
			}
		})
	}
}

func TestClientList(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"reportId":42,"pokemon_type":"fire","sampleSize":5,"status":"completed","url":"https://files/x.csv"}]`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Headers: map[string]string{"Authorization": "Bearer t"}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if gotPath != DefaultPath || gotAuth != "Bearer t" {
		t.Fatalf("request path=%q auth=%q", gotPath, gotAuth)
	}
	if len(list) != 1 {
		t.Fatalf("List = %+v", list)
	}
	r := list[0]
	if r.Key() != "42" || r.PokemonType != "fire" || r.SampleSize == nil || *r.SampleSize != 5 || !r.Status.Terminal() {
		t.Fatalf("report = %+v", r)
	}
}

func TestClientListErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.List(context.Background()); !errors.Is(err, ErrStatus) {
		t.Fatalf("List error = %v, want ErrStatus", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("New with empty base url succeeded")
	}
}

func TestListURLKeepsBasePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, path, want string
	}{
		{base: "http://host:3000", want: "http://host:3000/request"},
		{base: "http://host:3000/api", want: "http://host:3000/api/request"},
		{base: "http://host:3000/api/", path: "/v2/request", want: "http://host:3000/api/v2/request"},
		{base: "http://host:3000/api", path: "request?limit=50", want: "http://host:3000/api/request?limit=50"},
	}
	for _, tt := range tests {
		c, err := New(Config{BaseURL: tt.base, Path: tt.path}, logx.Nop())
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.base, tt.path, err)
		}
		if c.url != tt.want {
			t.Fatalf("New(%q, %q).url = %q, want %q", tt.base, tt.path, c.url, tt.want)
		}
	}
}

func TestClientListBehindPathPrefix(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/request" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"reportId":9}]`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Key().String() != "9" {
		t.Fatalf("List = %+v", got)
	}
}

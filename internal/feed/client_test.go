package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const positionsJSON = `{"TrainPositions":[
 {"TrainId":"100","TrainNumber":"301","CarCount":6,"DirectionNum":1,"CircuitId":1234,"DestinationStationCode":"A15","LineCode":"RD","SecondsAtLocation":12,"ServiceType":"Normal"},
 {"TrainId":"101","TrainNumber":"X02","CarCount":0,"DirectionNum":2,"CircuitId":88,"DestinationStationCode":null,"LineCode":null,"SecondsAtLocation":400,"ServiceType":"NoPassengers"}
]}`

func TestFetch(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("api_key"))
		w.Write([]byte(positionsJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	obs, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotKey.Load() != "secret" {
		t.Errorf("api key header = %v", gotKey.Load())
	}
	if len(obs) != 2 {
		t.Fatalf("observations = %d", len(obs))
	}
	first := obs[0]
	if first.TrainID != "100" || first.CircuitID != 1234 || first.DirectionNum != 1 || first.SecondsAtLocation != 12 {
		t.Errorf("first = %+v", first)
	}
	if obs[1].LineCode != "" || obs[1].ServiceType != "NoPassengers" {
		t.Errorf("second = %+v", obs[1])
	}
	if first.ObservedAt.IsZero() {
		t.Error("observations should be stamped")
	}
}

func TestFetchRejectsDuplicatePayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 3 {
			w.Write([]byte(`{"TrainPositions":[]}`))
			return
		}
		w.Write([]byte(positionsJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrDuplicatePayload) {
		t.Errorf("second fetch error = %v, want duplicate", err)
	}
	obs, err := c.Fetch(context.Background())
	if err != nil || len(obs) != 0 {
		t.Errorf("third fetch = %v, %v", obs, err)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}},
		{"malformed", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"TrainPositions":[{`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(positionsJSON))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewClient(srv.URL, "", 50*time.Millisecond)
			if _, err := c.Fetch(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

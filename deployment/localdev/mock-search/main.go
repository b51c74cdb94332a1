package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"
)

type countPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     float64   `json:"count"`
}

type countsRequest struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval string    `json:"interval"`
}

var incidents = []map[string]any{
	{"Id": "mock-1", "Timestamp": "2024-06-01T08:15:00Z", "AlertTitle": "Phishing email reported", "DetectorId": "mail-1",
		"EvidenceRole": "Impacted", "EntityType": "Mailbox", "AccountName": "alice@example.com", "Category": "InitialAccess", "IncidentGrade": "TruePositive", "MitreTechniques": "T1566;T1204"},
	{"Id": "mock-2", "Timestamp": "2024-06-01T09:40:00Z", "AlertTitle": "Malicious binary executed", "DetectorId": "edr-4",
		"EvidenceRole": "Related", "EntityType": "File", "DeviceName": "wks-17", "Category": "Execution", "IncidentGrade": "TruePositive", "MitreTechniques": "T1204"},
	{"Id": "mock-3", "Timestamp": "2024-06-01T11:05:00Z", "AlertTitle": "Impossible travel sign-in", "DetectorId": "idp-2",
		"EvidenceRole": "Impacted", "EntityType": "User", "AccountName": "bob@example.com", "Category": "CredentialAccess", "IncidentGrade": "BenignPositive"},
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/triage/counts", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req countsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		interval, err := time.ParseDuration(req.Interval)
		if err != nil || interval <= 0 {
			interval = time.Hour
		}
		if req.End.IsZero() {
			req.End = time.Now().UTC().Truncate(interval)
		}
		if req.Start.IsZero() || !req.Start.Before(req.End) {
			req.Start = req.End.Add(-30 * 24 * time.Hour)
		}
		var points []countPoint
		for ts := req.Start.Truncate(interval); ts.Before(req.End); ts = ts.Add(interval) {
			hour := float64(ts.Hour())
			count := 12 + 8*math.Sin(2*math.Pi*hour/24)
			if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
				count *= 0.6
			}
			points = append(points, countPoint{Timestamp: ts, Count: math.Round(count)})
		}
		writeJSON(w, map[string]any{"points": points})
	})

	mux.HandleFunc("/api/v1/triage/incidents", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{"incidents": incidents})
	})

	logger := log.New(log.Writer(), "search-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

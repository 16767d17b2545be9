package testsupport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Reply is a scripted response for one submission.
type Reply struct {
	Status int
	Body   string
}

// Submission is a request the fake received.
type Submission struct {
	Endpoint string
	Fields   map[string]string
	Files    []string
	JobID    string
}

// FakeAPI imitates the useapi.net job endpoints. Submissions that are not
// scripted succeed with a fresh job id, and a completed notification with one
// attachment is posted to the request's replyUrl shortly after.
type FakeAPI struct {
	t      testing.TB
	server *httptest.Server
	seq    atomic.Int64

	// NotifyDelay separates the submission reply from its notification.
	NotifyDelay time.Duration

	mu          sync.Mutex
	scripts     map[string][]Reply
	submissions []Submission
	downloads   int
	wg          sync.WaitGroup
}

// NewFakeAPI starts the fake and registers its shutdown with t.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	api := &FakeAPI{t: t, scripts: make(map[string][]Reply), NotifyDelay: 10 * time.Millisecond}
	api.server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(func() {
		api.wg.Wait()
		api.server.Close()
	})
	return api
}

// MidjourneyURL is the root the imagine and button endpoints hang off.
func (f *FakeAPI) MidjourneyURL() string { return f.server.URL + "/v2/jobs" }

// FaceSwapURL is the face swap service root.
func (f *FakeAPI) FaceSwapURL() string { return f.server.URL + "/v1/faceswap" }

// PikaURL is the animation service root.
func (f *FakeAPI) PikaURL() string { return f.server.URL + "/v1/pika" }

// Script queues replies for the endpoint named by its last path element
// ("imagine", "button", "swap", "animate"). Scripted replies never notify.
func (f *FakeAPI) Script(endpoint string, replies ...Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[endpoint] = append(f.scripts[endpoint], replies...)
}

// Submissions returns every request received, in arrival order.
func (f *FakeAPI) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// Count returns how many submissions hit endpoint.
func (f *FakeAPI) Count(endpoint string) int {
	n := 0
	for _, s := range f.Submissions() {
		if s.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// Downloads returns how many assets were fetched.
func (f *FakeAPI) Downloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func (f *FakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/cdn/") {
		f.mu.Lock()
		f.downloads++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, "asset:"+path.Base(r.URL.Path))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer test-token" {
		http.Error(w, `{"error":"unauthorized","code":401}`, http.StatusUnauthorized)
		return
	}

	endpoint := path.Base(r.URL.Path)
	sub, err := readSubmission(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sub.Endpoint = endpoint

	f.mu.Lock()
	if queue := f.scripts[endpoint]; len(queue) > 0 {
		reply := queue[0]
		f.scripts[endpoint] = queue[1:]
		f.submissions = append(f.submissions, sub)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		_, _ = io.WriteString(w, reply.Body)
		return
	}
	sub.JobID = fmt.Sprintf("%04x%s-0000-4000-8000-000000000000", f.seq.Add(1), jobPrefix(endpoint))
	f.submissions = append(f.submissions, sub)
	f.mu.Unlock()

	job := f.job(endpoint, sub)
	job["status"] = "started"
	delete(job, "attachments")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)

	if replyURL := sub.Fields["replyUrl"]; replyURL != "" {
		f.wg.Add(1)
		go f.notify(replyURL, f.job(endpoint, sub))
	}
}

func (f *FakeAPI) job(endpoint string, sub Submission) map[string]any {
	ext := ".png"
	verb := endpoint
	switch endpoint {
	case "swap":
		verb, ext = "faceswap", ".jpg"
	case "animate":
		verb, ext = "pika-animate", ".mp4"
	}
	job := map[string]any{
		"jobid":       sub.JobID,
		"verb":        verb,
		"status":      "completed",
		"replyRef":    sub.Fields["replyRef"],
		"attachments": []map[string]string{{"url": f.server.URL + "/cdn/" + sub.JobID + ext}},
	}
	if endpoint == "imagine" {
		job["buttons"] = []string{"U1", "U2", "U3", "U4", "V1", "V2", "V3", "V4"}
	}
	if b := sub.Fields["button"]; b != "" {
		job["button"] = b
	}
	return job
}

func (f *FakeAPI) notify(replyURL string, job map[string]any) {
	defer f.wg.Done()
	time.Sleep(f.NotifyDelay)
	body, err := json.Marshal(job)
	if err != nil {
		f.t.Errorf("encode notification: %v", err)
		return
	}
	resp, err := http.Post(replyURL, "application/json", bytes.NewReader(body))
	if err != nil {
		// The run may already have shut its listener down.
		return
	}
	_ = resp.Body.Close()
}

func readSubmission(r *http.Request) (Submission, error) {
	sub := Submission{Fields: make(map[string]string)}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return sub, err
		}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				sub.Fields[k] = v[0]
			}
		}
		for k := range r.MultipartForm.File {
			sub.Files = append(sub.Files, k)
		}
		return sub, nil
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return sub, err
	}
	for k, v := range body {
		sub.Fields[k] = fmt.Sprint(v)
	}
	return sub, nil
}

func jobPrefix(endpoint string) string {
	switch endpoint {
	case "imagine":
		return "a1a1"
	case "button":
		return "b2b2"
	case "swap":
		return "c3c3"
	default:
		return "d4d4"
	}
}

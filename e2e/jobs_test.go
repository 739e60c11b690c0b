package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/lexibooks/api/internal/model"
)

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
}

func enqueueJob(t *testing.T, ta *testApp, body string) map[string]interface{} {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	return parseJSON(t, resp)
}

func TestEnqueueJob(t *testing.T) {
	ta := setupApp(t)

	job := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	if job["id"] == "" || job["id"] == nil {
		t.Error("expected a job id")
	}
	if job["status"] != "queued" {
		t.Errorf("expected status queued, got %v", job["status"])
	}
	if job["progress"] != float64(0) {
		t.Errorf("expected progress 0, got %v", job["progress"])
	}
	if job["priority"] != "normal" {
		t.Errorf("expected default priority normal, got %v", job["priority"])
	}
}

func TestEnqueueJob_ValidationErrors(t *testing.T) {
	ta := setupApp(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing bookId", `{"publisherId":"pub-1","type":"full"}`},
		{"missing publisherId", `{"bookId":"book-1","type":"full"}`},
		{"unknown type", `{"bookId":"book-1","publisherId":"pub-1","type":"remix"}`},
		{"unknown priority", `{"bookId":"book-1","publisherId":"pub-1","type":"full","priority":"urgent"}`},
		{"not json", `bookId=book-1`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", tc.body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)

			body := parseJSON(t, resp)
			errObj, ok := body["error"].(map[string]interface{})
			if !ok {
				t.Fatalf("expected error object, got %v", body)
			}
			if errObj["code"] != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %v", errObj["code"])
			}
		})
	}
}

func TestEnqueueJob_DuplicateRejected(t *testing.T) {
	ta := setupApp(t)

	enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs",
		`{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)

	body := parseJSON(t, resp)
	errObj := body["error"].(map[string]interface{})
	if errObj["code"] != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %v", errObj["code"])
	}
}

func TestEnqueueJob_BundleBypassesDuplicateCheck(t *testing.T) {
	ta := setupApp(t)

	enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"bundle"}`)
	enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"bundle"}`)
}

func TestJobStatus(t *testing.T) {
	ta := setupApp(t)

	created := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"text_only","priority":"high"}`)
	jobID := created["id"].(string)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	job := parseJSON(t, resp)
	if job["id"] != jobID {
		t.Errorf("expected id %s, got %v", jobID, job["id"])
	}
	if job["type"] != "text_only" {
		t.Errorf("expected type text_only, got %v", job["type"])
	}
	if job["priority"] != "high" {
		t.Errorf("expected priority high, got %v", job["priority"])
	}
}

func TestJobStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/no-such-job", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestJobResult(t *testing.T) {
	ta := setupApp(t)
	ctx := context.Background()

	created := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	jobID := created["id"].(string)

	// Unfinished jobs have no result yet.
	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	// Finish the job the way the worker would.
	if err := ta.repo.SaveJobResult(ctx, jobID, []byte(`{"text_extraction":{"pages":3}}`)); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}
	if _, err := ta.repo.UpdateJobStatus(ctx, jobID, model.JobStatusCompleted, ""); err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "completed" {
		t.Errorf("expected completed, got %v", body["status"])
	}
	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %v", body)
	}
	if _, ok := result["text_extraction"]; !ok {
		t.Errorf("expected text_extraction in result, got %v", result)
	}
}

func TestCancelJob(t *testing.T) {
	ta := setupApp(t)

	created := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	jobID := created["id"].(string)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	job := parseJSON(t, resp)
	if job["status"] != "cancelled" {
		t.Errorf("expected cancelled, got %v", job["status"])
	}

	// Cancelling a terminal job is rejected.
	resp, err = doRequest(ta.app, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	// The book is free for a new job again.
	enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
}

func TestCancelProcessingJob(t *testing.T) {
	ta := setupApp(t)
	ctx := context.Background()

	created := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	jobID := created["id"].(string)

	if _, err := ta.repo.UpdateJobStatus(ctx, jobID, model.JobStatusProcessing, ""); err != nil {
		t.Fatalf("failed to start job: %v", err)
	}

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	job := parseJSON(t, resp)
	if job["status"] != "cancelled" {
		t.Errorf("expected cancelled, got %v", job["status"])
	}
}

func TestRetryJob(t *testing.T) {
	ta := setupApp(t)
	ctx := context.Background()

	created := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	jobID := created["id"].(string)

	// Active jobs cannot be retried.
	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs/"+jobID+"/retry", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	if _, err := ta.repo.UpdateJobStatus(ctx, jobID, model.JobStatusFailed, "extraction exploded"); err != nil {
		t.Fatalf("failed to fail job: %v", err)
	}

	resp, err = doRequest(ta.app, http.MethodPost, "/api/jobs/"+jobID+"/retry", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	retried := parseJSON(t, resp)
	if retried["id"] == jobID {
		t.Error("retry must create a new job")
	}
	if retried["status"] != "queued" {
		t.Errorf("expected queued, got %v", retried["status"])
	}
	if retried["priority"] != "high" {
		t.Errorf("retry defaults to high priority, got %v", retried["priority"])
	}
	metadata, ok := retried["metadata"].(map[string]interface{})
	if !ok || metadata["retry_of"] != jobID {
		t.Errorf("expected retry_of back-reference, got %v", retried["metadata"])
	}
}

func TestListJobs(t *testing.T) {
	ta := setupApp(t)
	ctx := context.Background()

	a := enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	enqueueJob(t, ta, `{"bookId":"book-2","publisherId":"pub-1","type":"audio_only"}`)
	if _, err := ta.repo.UpdateJobStatus(ctx, a["id"].(string), model.JobStatusFailed, "boom"); err != nil {
		t.Fatalf("failed to fail job: %v", err)
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["count"] != float64(2) {
		t.Errorf("expected 2 jobs, got %v", body["count"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs?status=failed", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body = parseJSON(t, resp)
	if body["count"] != float64(1) {
		t.Errorf("expected 1 failed job, got %v", body["count"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs?bookId=book-2", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body = parseJSON(t, resp)
	if body["count"] != float64(1) {
		t.Errorf("expected 1 job for book-2, got %v", body["count"])
	}
}

func TestQueueStats(t *testing.T) {
	ta := setupApp(t)

	enqueueJob(t, ta, `{"bookId":"book-1","publisherId":"pub-1","type":"full"}`)
	enqueueJob(t, ta, `{"bookId":"book-2","publisherId":"pub-1","type":"full"}`)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/stats", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	stats := parseJSON(t, resp)
	if stats["queued"] != float64(2) {
		t.Errorf("expected 2 queued, got %v", stats["queued"])
	}
	if stats["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", stats["total"])
	}
}

package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/internal/util"
	"github.com/teranos/pulsed/pulse/trigger"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func sampleJob() *JobDetails {
	return &JobDetails{
		ID:            "J1",
		CorrelationID: "batch-7",
		Status:        StatusScheduled,
		Priority:      5,
		Recipient: Recipient{Type: RecipientHTTP, HTTP: &HTTPRecipient{
			URL:     "https://example.com/hook",
			Headers: map[string]string{"X-Tenant": "a"},
			Payload: json.RawMessage(`{"n":1}`),
		}},
		Trigger:          trigger.NewInterval(now, time.Second, 2),
		ExecutionTimeout: 3 * time.Second,
		Created:          now,
		LastUpdate:       now,
	}
}

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusExecuted, StatusCanceled, StatusError} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsArmable(), s)
	}
	for _, s := range []Status{StatusScheduled, StatusRetry} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsArmable(), s)
	}
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusRunning.IsArmable())

	st, err := ParseStatus("retry")
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, st)

	st, err = ParseStatus("COMPLETE")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, st)

	_, err = ParseStatus("PAUSED")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCloneIsDeep(t *testing.T) {
	orig := sampleJob()
	orig.ExceptionDetails = &ExceptionDetails{Message: "boom"}

	c := orig.Clone()
	c.Recipient.HTTP.Headers["X-Tenant"] = "b"
	c.Trigger.NextFireTime()
	c.ExceptionDetails.Message = "changed"

	assert.Equal(t, "a", orig.Recipient.HTTP.Headers["X-Tenant"])
	assert.Equal(t, 0, orig.Trigger.(*trigger.Interval).FireCount)
	assert.Equal(t, "boom", orig.ExceptionDetails.Message)

	var nilJob *JobDetails
	assert.Nil(t, nilJob.Clone())
}

func TestJSONRoundTrip(t *testing.T) {
	orig := sampleJob()
	orig.Trigger.NextFireTime()
	orig.Retries = 1
	orig.ExceptionDetails = &ExceptionDetails{Message: "timeout", Details: "stack"}

	data, err := json.Marshal(orig)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"nextFireTime"`)
	assert.Contains(t, string(data), `"status":"SCHEDULED"`)

	var decoded JobDetails
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, orig.ID, decoded.ID)
	assert.Equal(t, orig.Priority, decoded.Priority)
	assert.Equal(t, orig.ExecutionTimeout, decoded.ExecutionTimeout)
	assert.Equal(t, orig.Recipient, decoded.Recipient)
	assert.Equal(t, *orig.ExceptionDetails, *decoded.ExceptionDetails)
	require.NotNil(t, decoded.FireTime())
	assert.True(t, orig.FireTime().Equal(*decoded.FireTime()))
}

func TestRecipientValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Recipient
		wantErr bool
	}{
		{"http ok", NewHTTPRecipient("https://example.com", "", nil), false},
		{"http relative url", NewHTTPRecipient("/hook", "POST", nil), true},
		{"http bad method", NewHTTPRecipient("http://example.com", "TRACE", nil), true},
		{"sink http", NewSinkRecipient("http://broker.local/default", "job.fired", nil), false},
		{"sink redis", NewSinkRecipient("redis://localhost:6379/jobs", "job.fired", nil), false},
		{"sink ftp", NewSinkRecipient("ftp://host/x", "t", nil), true},
		{"in-process", NewInProcessRecipient("cleanup", nil), false},
		{"in-process blank", NewInProcessRecipient(" ", nil), true},
		{"no variant", Recipient{Type: RecipientHTTP}, true},
		{"mismatched variant", Recipient{Type: RecipientSink, HTTP: &HTTPRecipient{URL: "http://x"}}, true},
		{"two variants", Recipient{
			Type:      RecipientHTTP,
			HTTP:      &HTTPRecipient{URL: "http://x"},
			InProcess: &InProcessRecipient{Handler: "h"},
		}, true},
		{"unknown type", Recipient{Type: "smtp", HTTP: &HTTPRecipient{URL: "http://x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyPatch(t *testing.T) {
	base := sampleJob()
	newTrigger := trigger.NewPointInTime(now.Add(time.Hour))

	patched := ApplyPatch(base, &Patch{
		Priority:    util.Ptr(9),
		Status:      util.Ptr(StatusRetry),
		ScheduledID: util.Ptr(""),
		Trigger:     newTrigger,
	})

	assert.Equal(t, 9, patched.Priority)
	assert.Equal(t, StatusRetry, patched.Status)
	assert.Empty(t, patched.ScheduledID)
	assert.Equal(t, now.Add(time.Hour), *patched.FireTime())
	// Untouched fields survive
	assert.Equal(t, "batch-7", patched.CorrelationID)
	assert.Equal(t, base.Recipient, patched.Recipient)
	// Base unchanged and not aliased to the patch trigger
	assert.Equal(t, 5, base.Priority)
	newTrigger.NextFireTime()
	assert.NotNil(t, patched.FireTime())
}

func TestCheckPatchTarget(t *testing.T) {
	assert.True(t, errors.IsInvalidRequestError(CheckPatchTarget("", &Patch{})))
	assert.True(t, errors.IsInvalidRequestError(CheckPatchTarget("J1", &Patch{ID: "J2"})))
	assert.NoError(t, CheckPatchTarget("J1", &Patch{ID: "J1"}))
	assert.NoError(t, CheckPatchTarget("J1", &Patch{}))
	assert.NoError(t, CheckPatchTarget("J1", nil))
}

func TestDescriptionBuild(t *testing.T) {
	d := Description{
		ID:        "J1",
		Priority:  3,
		Recipient: NewInProcessRecipient("noop", nil),
		Schedule:  Schedule{Every: "100ms", Repeat: 2},
	}

	j, err := d.Build(now)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, j.Status)
	assert.Equal(t, now, *j.FireTime())
	assert.Equal(t, 1, j.Trigger.(*trigger.Interval).RepeatLimit)

	d.ID = ""
	j, err = d.Build(now)
	require.NoError(t, err)
	assert.Len(t, j.ID, 36)
}

func TestDescriptionBuildRejects(t *testing.T) {
	at := now.Add(time.Minute)
	recipient := NewInProcessRecipient("noop", nil)

	tests := []struct {
		name string
		d    Description
	}{
		{"no schedule", Description{Recipient: recipient}},
		{"two schedules", Description{Recipient: recipient, Schedule: Schedule{At: &at, Cron: "@hourly"}}},
		{"bad interval", Description{Recipient: recipient, Schedule: Schedule{Every: "soon"}}},
		{"bad cron", Description{Recipient: recipient, Schedule: Schedule{Cron: "every day"}}},
		{"bad recipient", Description{Recipient: Recipient{Type: RecipientHTTP}, Schedule: Schedule{At: &at}}},
		{"negative timeout", Description{Recipient: recipient, Schedule: Schedule{At: &at}, ExecutionTimeoutMS: -1}},
		{"cron ends before first fire", Description{Recipient: recipient, Schedule: Schedule{Cron: "@every 1h", End: &at}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.d.Build(now)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}
}

func TestParseDescription(t *testing.T) {
	d, err := ParseDescription([]byte(`{
		"id": "J2",
		"recipient": {"type": "http", "http": {"url": "http://localhost:9000/x"}},
		"schedule": {"at": "2026-05-04T10:00:50Z"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "J2", d.ID)
	assert.Equal(t, RecipientHTTP, d.Recipient.Type)

	_, err = ParseDescription([]byte(`{`))
	assert.True(t, errors.IsInvalidRequestError(err))
}

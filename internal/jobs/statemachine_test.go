package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusUploaded,
	StatusAnalyzing,
	StatusAnalysisComplete,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusUploaded:         {StatusAnalyzing, StatusProcessing, StatusFailed, StatusCancelled},
		StatusAnalyzing:        {StatusAnalysisComplete, StatusFailed, StatusCancelled},
		StatusAnalysisComplete: {StatusProcessing, StatusFailed, StatusCancelled},
		StatusProcessing:       {StatusCompleted, StatusFailed, StatusCancelled},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, CanTransition("RUNNING", StatusFailed))
	assert.False(t, CanTransition(StatusUploaded, "DONE"))
}

func TestRuleTargetsAreGraphEdges(t *testing.T) {
	triggers := []Trigger{
		TriggerAnalyze, TriggerAnalysisDone, TriggerAnalysisFailed, TriggerStart,
		TriggerStartFailed, TriggerCompleteSuccess, TriggerCompleteFailure, TriggerCancel,
	}
	for _, trigger := range triggers {
		from, to, ok := Rule(trigger)
		require.Truef(t, ok, "trigger %s", trigger)
		require.NotEmpty(t, from)
		for _, s := range from {
			assert.Truef(t, CanTransition(s, to), "%s: %s -> %s", trigger, s, to)
		}
	}

	_, _, ok := Rule("reopen")
	assert.False(t, ok)

	from, _, _ := Rule(TriggerCancel)
	from[0] = StatusCompleted
	again, _, _ := Rule(TriggerCancel)
	assert.Equal(t, StatusUploaded, again[0], "Rule must return a copy")
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range allStatuses {
		terminal := s == StatusCompleted || s == StatusFailed || s == StatusCancelled
		assert.Equal(t, terminal, s.Terminal(), s)
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("").Valid())
}

func baseRecord(status Status) *Record {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Record{
		JobID:     "job-1",
		Owner:     "alice",
		FileName:  "doc.pdf",
		Status:    status,
		Source:    Location{Bucket: "bucket", Key: "pdf/job-1.pdf"},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Hour),
	}
}

func TestApplyTransition(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	t.Run("applies mutation and stamps updated_at", func(t *testing.T) {
		prev := baseRecord(StatusProcessing)
		next, err := ApplyTransition(prev, []Status{StatusProcessing}, func(r *Record) error {
			r.Status = StatusCompleted
			r.Result = &Location{Bucket: "bucket", Key: "result/out.pdf"}
			return nil
		}, now)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, next.Status)
		assert.Equal(t, now, next.UpdatedAt)
		assert.Equal(t, StatusProcessing, prev.Status, "prev must not be modified")
		assert.Nil(t, prev.Result)
	})

	t.Run("precondition", func(t *testing.T) {
		prev := baseRecord(StatusCompleted)
		_, err := ApplyTransition(prev, []Status{StatusProcessing}, func(r *Record) error {
			t.Fatal("mutate must not run when the precondition fails")
			return nil
		}, now)
		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, StatusCompleted, te.Current)
		assert.True(t, te.AlreadyTerminal())
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("graph violation", func(t *testing.T) {
		_, err := ApplyTransition(baseRecord(StatusUploaded), nil, func(r *Record) error {
			r.Status = StatusCompleted
			return nil
		}, now)
		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, StatusUploaded, te.Current)
		assert.Equal(t, StatusCompleted, te.Target)
	})

	t.Run("mutate error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := ApplyTransition(baseRecord(StatusUploaded), nil, func(r *Record) error {
			return boom
		}, now)
		assert.ErrorIs(t, err, boom)
	})

	immutability := map[string]func(r *Record){
		"job_id":     func(r *Record) { r.JobID = "other" },
		"owner":      func(r *Record) { r.Owner = "mallory" },
		"created_at": func(r *Record) { r.CreatedAt = r.CreatedAt.Add(time.Second) },
		"processing_metadata": func(r *Record) {
			r.ProcessingMetadata.Source.Key = "pdf/elsewhere.pdf"
		},
	}
	for name, mutate := range immutability {
		t.Run("immutable "+name, func(t *testing.T) {
			prev := baseRecord(StatusProcessing)
			prev.ProcessingMetadata = &ProcessingMetadata{Source: prev.Source, ExecutionID: "exec-1"}
			_, err := ApplyTransition(prev, nil, func(r *Record) error {
				mutate(r)
				return nil
			}, now)
			require.Error(t, err)
			assert.Equal(t, "pdf/job-1.pdf", prev.ProcessingMetadata.Source.Key)
		})
	}

	t.Run("result only on completed", func(t *testing.T) {
		_, err := ApplyTransition(baseRecord(StatusProcessing), nil, func(r *Record) error {
			r.Status = StatusFailed
			r.Result = &Location{Bucket: "bucket", Key: "result/out.pdf"}
			return nil
		}, now)
		assert.Error(t, err)
	})

	t.Run("error message only on failed or cancelled", func(t *testing.T) {
		_, err := ApplyTransition(baseRecord(StatusUploaded), nil, func(r *Record) error {
			r.Status = StatusAnalyzing
			r.ErrorMessage = "oops"
			return nil
		}, now)
		assert.Error(t, err)
	})

	t.Run("updated_at never decreases", func(t *testing.T) {
		prev := baseRecord(StatusUploaded)
		earlier := prev.UpdatedAt.Add(-time.Minute)
		next, err := ApplyTransition(prev, nil, func(r *Record) error {
			r.Status = StatusAnalyzing
			return nil
		}, earlier)
		require.NoError(t, err)
		assert.Equal(t, prev.UpdatedAt, next.UpdatedAt)
	})
}

func TestCheckNew(t *testing.T) {
	assert.NoError(t, CheckNew(baseRecord(StatusUploaded)))

	processing := baseRecord(StatusProcessing)
	assert.Equal(t, KindInvalidInput, KindOf(CheckNew(processing)))

	withMeta := baseRecord(StatusUploaded)
	withMeta.ProcessingMetadata = &ProcessingMetadata{Source: withMeta.Source}
	assert.Equal(t, KindInvalidInput, KindOf(CheckNew(withMeta)))

	noOwner := baseRecord(StatusUploaded)
	noOwner.Owner = ""
	assert.Equal(t, KindInvalidInput, KindOf(CheckNew(noOwner)))
}

func TestAuthorize(t *testing.T) {
	record := baseRecord(StatusUploaded)
	assert.NoError(t, Authorize(record, "alice"))

	for _, caller := range []string{"", "bob", "Alice", " alice"} {
		err := Authorize(record, caller)
		require.Error(t, err, caller)
		assert.True(t, errors.Is(err, ErrForbidden))
		assert.NotContains(t, err.Error(), record.JobID)
	}
	assert.Error(t, Authorize(nil, "alice"))
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{notFound("x"), 404},
		{newError(KindForbidden, "FORBIDDEN", "no", nil), 403},
		{invalidInput("bad"), 400},
		{jobExists("x"), 400},
		{&TransitionError{JobID: "x", Current: StatusCompleted}, 400},
		{reconciliationFailure("none", nil), 400},
		{dependencyFailure("down", errors.New("x")), 500},
		{errors.New("plain"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}

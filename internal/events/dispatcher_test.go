package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"proposal-workflows/pkg/models"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

type recordingLogger struct {
	messages []string
}

func (l *recordingLogger) Info(msg string, _ ...interface{}) {
	l.messages = append(l.messages, msg)
}

func sampleEvents() []models.Event {
	return []models.Event{
		{ID: "e1", Name: models.EventStepResultRecorded, TenantID: "t1", ProposalID: "p1", StepID: "s1", Outcome: models.OutcomePass},
		{ID: "e2", Name: models.EventStepEntered, TenantID: "t1", ProposalID: "p1", StepID: "s2", StepIndex: 1, Notify: true},
	}
}

func TestNATSDispatcherPublishesPerEvent(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", "proposals.t1.step_result_recorded", mock.Anything).Return(nil).Once()
	pub.On("Publish", "proposals.t1.step_entered", mock.MatchedBy(func(data []byte) bool {
		var e models.Event
		return json.Unmarshal(data, &e) == nil && e.StepID == "s2" && e.Notify
	})).Return(nil).Once()

	d := NewNATSDispatcher(pub, "proposals")
	require.NoError(t, d.Dispatch(context.Background(), sampleEvents()))
	pub.AssertExpectations(t)
}

func TestNATSDispatcherContinuesAfterFailure(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", "proposals.t1.step_result_recorded", mock.Anything).Return(errors.New("broker down"))
	pub.On("Publish", "proposals.t1.step_entered", mock.Anything).Return(nil)

	err := NewNATSDispatcher(pub, "proposals").Dispatch(context.Background(), sampleEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestNATSDispatcherCancelledContext(t *testing.T) {
	pub := new(MockPublisher)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewNATSDispatcher(pub, "proposals").Dispatch(ctx, sampleEvents())
	assert.ErrorIs(t, err, context.Canceled)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestMultiFansOut(t *testing.T) {
	logger := &recordingLogger{}
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	m := Multi{NewLogDispatcher(logger), NewNATSDispatcher(pub, "x")}
	require.NoError(t, m.Dispatch(context.Background(), sampleEvents()))
	assert.Len(t, logger.messages, 2)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

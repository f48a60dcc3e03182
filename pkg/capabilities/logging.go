package capabilities

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogMessenger is a development messenger that logs instead of sending.
type LogMessenger struct {
	logger *slog.Logger
}

func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	return &LogMessenger{logger: logger}
}

func (m *LogMessenger) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	m.logger.InfoContext(ctx, "Sending message",
		"clinic_id", req.ClinicID,
		"subject_id", req.SubjectID,
		"channel", req.Channel,
	)

	return &SendMessageResult{
		MessageID: uuid.New().String(),
		SentAt:    time.Now().UTC(),
	}, nil
}

// LogAppointments is a development appointments port that logs instead of
// reserving real slots.
type LogAppointments struct {
	logger *slog.Logger
}

func NewLogAppointments(logger *slog.Logger) *LogAppointments {
	return &LogAppointments{logger: logger}
}

func (a *LogAppointments) CreateHold(ctx context.Context, req CreateHoldRequest) (*CreateHoldResult, error) {
	a.logger.InfoContext(ctx, "Creating appointment hold",
		"clinic_id", req.ClinicID,
		"subject_id", req.SubjectID,
		"slot_type", req.SlotType,
	)

	duration := req.HoldDuration
	if duration <= 0 {
		duration = 30 * time.Minute
	}

	return &CreateHoldResult{
		HoldID:    uuid.New().String(),
		ExpiresAt: time.Now().UTC().Add(duration),
	}, nil
}

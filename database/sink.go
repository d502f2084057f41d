package database

import (
	"time"

	"github.com/banhammer/banhammer/detection"
)

// Sink adapts the SQLite ban list to the detection engine's sink contract.
type Sink struct {
	banList *BanList
}

func NewSink(banList *BanList) *Sink {
	return &Sink{banList: banList}
}

func (s *Sink) ActiveBan(email string, lookback time.Duration) (int64, bool, error) {
	record, err := s.banList.ActiveBan(email, lookback)
	if err != nil {
		return 0, false, err
	}
	if record == nil {
		return 0, false, nil
	}
	return record.ID, true, nil
}

func (s *Sink) Create(violation detection.Violation, detectedAt time.Time) (int64, error) {
	return s.banList.Insert(BanRecord{
		Email:             violation.Email,
		TelegramID:        violation.TelegramID,
		Description:       violation.Description,
		IPCount:           violation.IPCount,
		IPs:               violation.IPs,
		Nodes:             violation.Nodes,
		ViolationDuration: violation.ViolationDuration,
		DetectedAt:        detectedAt,
	})
}

func (s *Sink) Update(id int64, violation detection.Violation) error {
	return s.banList.Update(id, violation.IPCount, violation.IPs, violation.Nodes, violation.ViolationDuration)
}

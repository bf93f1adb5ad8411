package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/medsched/medsched/services/scheduling-service/internal/directory"
	"github.com/medsched/medsched/services/scheduling-service/internal/storage"
)

// Topics the projector subscribes to. Directory events refresh the local
// replica; billing events refresh the entitlement cache.
const (
	TopicStaffUpserted     = "directory.staff.upserted.v1"
	TopicPatientUpserted   = "directory.patient.upserted.v1"
	TopicServiceUpserted   = "directory.service.upserted.v1"
	TopicTemplateUpdated   = "directory.template.updated.v1"
	TopicExclusionChanged  = "directory.exclusion.changed.v1"
	TopicSubscriptionAct   = "billing.subscription.activated.v1"
	TopicSubscriptionCanc  = "billing.subscription.canceled.v1"
)

func Topics() []string {
	return []string{
		TopicStaffUpserted,
		TopicPatientUpserted,
		TopicServiceUpserted,
		TopicTemplateUpdated,
		TopicExclusionChanged,
		TopicSubscriptionAct,
		TopicSubscriptionCanc,
	}
}

type Projector struct {
	replica *directory.Replica
	repo    *storage.Repository
	logger  *slog.Logger
}

func NewProjector(replica *directory.Replica, repo *storage.Repository, logger *slog.Logger) *Projector {
	return &Projector{replica: replica, repo: repo, logger: logger}
}

func (p *Projector) Handle(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case TopicStaffUpserted:
		var row directory.StaffRow
		if err := json.Unmarshal(msg.Value, &row); err != nil {
			return fmt.Errorf("decode staff event: %w", err)
		}
		return p.replica.UpsertStaff(ctx, row)

	case TopicPatientUpserted:
		var row directory.PatientRow
		if err := json.Unmarshal(msg.Value, &row); err != nil {
			return fmt.Errorf("decode patient event: %w", err)
		}
		return p.replica.UpsertPatient(ctx, row)

	case TopicServiceUpserted:
		var row directory.ServiceRow
		if err := json.Unmarshal(msg.Value, &row); err != nil {
			return fmt.Errorf("decode service event: %w", err)
		}
		return p.replica.UpsertService(ctx, row)

	case TopicTemplateUpdated:
		var row directory.TemplateRow
		if err := json.Unmarshal(msg.Value, &row); err != nil {
			return fmt.Errorf("decode template event: %w", err)
		}
		return p.replica.ReplaceTemplate(ctx, row)

	case TopicExclusionChanged:
		var row directory.ExclusionRow
		if err := json.Unmarshal(msg.Value, &row); err != nil {
			return fmt.Errorf("decode exclusion event: %w", err)
		}
		return p.replica.ApplyExclusion(ctx, row)

	case TopicSubscriptionAct:
		var evt struct {
			ClinicID               string `json:"clinic_id"`
			Tier                   string `json:"tier"`
			MaxStaff               int    `json:"max_staff"`
			MaxMonthlyAppointments int    `json:"max_monthly_appointments"`
		}
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("decode subscription event: %w", err)
		}
		return p.repo.UpsertEntitlement(ctx, storage.Entitlement{
			ClinicID:               evt.ClinicID,
			Tier:                   evt.Tier,
			MaxStaff:               evt.MaxStaff,
			MaxMonthlyAppointments: evt.MaxMonthlyAppointments,
		})

	case TopicSubscriptionCanc:
		var evt struct {
			ClinicID string `json:"clinic_id"`
		}
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("decode subscription event: %w", err)
		}
		// Cancelled clinics fall back to the free-tier defaults.
		return p.repo.DeleteEntitlement(ctx, evt.ClinicID)
	}

	p.logger.Warn("unhandled topic", "topic", msg.Topic)
	return nil
}

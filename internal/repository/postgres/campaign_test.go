package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/service/campaign"
)

func campaignRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner_id", "list_id", "sending_domain_id", "name", "subject",
		"html_content", "plain_content", "status",
		"scheduled_at", "sent_at", "failure_reason", "created_at", "updated_at",
	})
}

func TestCampaignGetNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)

	mock.ExpectQuery(`FROM campaigns`).
		WithArgs("missing", "owner-1").
		WillReturnRows(campaignRows())

	_, err := repo.Get(context.Background(), "owner-1", "missing")
	if err != campaign.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCampaignGet(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)
	now := time.Now()

	mock.ExpectQuery(`FROM campaigns`).
		WithArgs("camp-1", "owner-1").
		WillReturnRows(campaignRows().AddRow(
			"camp-1", "owner-1", "list-1", "dom-1", "Launch", "Hello",
			"<p>Hi</p>", "Hi", "draft", nil, nil, "", now, now,
		))

	c, err := repo.Get(context.Background(), "owner-1", "camp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != domain.CampaignDraft || c.ListID != "list-1" {
		t.Fatalf("unexpected campaign: %+v", c)
	}
}

func TestCampaignDeleteRefusedWhileSending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)

	mock.ExpectExec(`DELETE FROM campaigns`).
		WithArgs("camp-1", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WithArgs("camp-1", "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("sending"))

	err := repo.Delete(context.Background(), "owner-1", "camp-1")
	if err != campaign.ErrDeleteSending {
		t.Fatalf("expected ErrDeleteSending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCampaignUpdateOnlyPreClaim(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)

	name := "Renamed"
	mock.ExpectExec(`status IN \('draft','ready','scheduled'\)`).
		WithArgs(name, "camp-1", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), "owner-1", "camp-1", campaign.UpdateFields{Name: &name})
	if err != campaign.ErrNotFound {
		t.Fatalf("expected ErrNotFound for claimed campaign, got %v", err)
	}
}

func TestCampaignUpdateBuildsMultiColumnSet(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)

	name := "Renamed"
	subject := "New subject"
	mock.ExpectExec(`SET name = \$1, subject = \$2, updated_at = NOW\(\)`).
		WithArgs(name, subject, "camp-1", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "owner-1", "camp-1",
		campaign.UpdateFields{Name: &name, Subject: &subject})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCampaignStatsRates(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)

	mock.ExpectQuery(`LEFT JOIN bulk_jobs`).
		WithArgs("camp-1", "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"status", "total", "processed", "success", "failure",
			"opened", "clicked", "bounced", "complained",
		}).AddRow("sent", 100, 100, 90, 10, 45, 9, 5, 1))

	s, err := repo.Stats(context.Background(), "owner-1", "camp-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.DeliveryRate != 90 {
		t.Fatalf("expected delivery rate 90, got %v", s.DeliveryRate)
	}
	if s.OpenRate != 50 {
		t.Fatalf("expected open rate 50, got %v", s.OpenRate)
	}
	if s.ClickRate != 10 {
		t.Fatalf("expected click rate 10, got %v", s.ClickRate)
	}
	if s.BounceRate != 5 {
		t.Fatalf("expected bounce rate 5, got %v", s.BounceRate)
	}
}

func TestResetFailedAttempts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewCampaignRepo(db)

	mock.ExpectExec(`retry_count = 0`).
		WithArgs("camp-1", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.ResetFailedAttempts(context.Background(), "owner-1", "camp-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 reset, got %d", n)
	}
}

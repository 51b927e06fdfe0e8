package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/service/campaign"
	"github.com/embermail/embermail/internal/service/sending"
)

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (f *fakeCampaignRepo) Get(_ context.Context, ownerID, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaignRepo) List(_ context.Context, ownerID string, _ campaign.ListFilter) ([]domain.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, len(out), nil
}

func (f *fakeCampaignRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.campaigns[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeCampaignRepo) Update(_ context.Context, ownerID, id string, _ campaign.UpdateFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	return nil
}

func (f *fakeCampaignRepo) Delete(_ context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	if c.Status == domain.CampaignSending {
		return campaign.ErrDeleteSending
	}
	delete(f.campaigns, id)
	return nil
}

func (f *fakeCampaignRepo) UpdateStatus(_ context.Context, ownerID, id string, status domain.CampaignStatus, from ...domain.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	allowed := len(from) == 0
	for _, s := range from {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return campaign.ErrInvalidTransition
	}
	c.Status = status
	return nil
}

func (f *fakeCampaignRepo) Schedule(_ context.Context, ownerID, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	c.Status = domain.CampaignScheduled
	c.ScheduledAt = &at
	return nil
}

func (f *fakeCampaignRepo) Stats(_ context.Context, ownerID, id string) (*domain.CampaignStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return nil, campaign.ErrNotFound
	}
	return &domain.CampaignStats{
		CampaignID: id, Status: string(c.Status),
		TotalEmails: 10, Processed: 10, Delivered: 9, Failed: 1,
		DeliveryRate: 90,
	}, nil
}

func (f *fakeCampaignRepo) ResetFailedAttempts(_ context.Context, ownerID, id string) (int64, error) {
	if _, err := f.Get(context.Background(), ownerID, id); err != nil {
		return 0, err
	}
	return 2, nil
}

type fakeDomainRepo struct {
	mu      sync.Mutex
	domains map[string]*domain.SendingDomain
}

func newFakeDomainRepo() *fakeDomainRepo {
	return &fakeDomainRepo{domains: make(map[string]*domain.SendingDomain)}
}

func (f *fakeDomainRepo) Get(_ context.Context, ownerID, id string) (*domain.SendingDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok || d.OwnerID != ownerID {
		return nil, sending.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDomainRepo) List(_ context.Context, ownerID string) ([]domain.SendingDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SendingDomain
	for _, d := range f.domains {
		if d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDomainRepo) Create(_ context.Context, d *domain.SendingDomain) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.domains[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeDomainRepo) Update(_ context.Context, d *domain.SendingDomain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.domains[cp.ID] = &cp
	return nil
}

func (f *fakeDomainRepo) Delete(_ context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, id)
	return nil
}

func (f *fakeDomainRepo) SetVerified(_ context.Context, ownerID, id string, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return sending.ErrNotFound
	}
	d.Verified = verified
	return nil
}

type fixedStats map[string]interface{}

func (s fixedStats) Stats() map[string]interface{} { return s }

func testServer(t *testing.T) (*httptest.Server, *fakeCampaignRepo, *fakeDomainRepo) {
	t.Helper()
	campaigns := newFakeCampaignRepo()
	domains := newFakeDomainRepo()
	h := NewHandlers(
		campaign.NewService(campaigns),
		sending.NewService(domains, nil),
		map[string]WorkerStats{"monitor": fixedStats{"running": true}},
	)
	srv := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(srv.Close)
	return srv, campaigns, domains
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateAndSendCampaign(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/campaigns/", campaign.CreateInput{
		Name: "Launch", Subject: "Hi", ListID: "list-1", SendingDomainID: "dom-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Campaign
	decode(t, resp, &created)
	assert.Equal(t, domain.CampaignDraft, created.Status)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/campaigns/%s/send", srv.URL, created.ID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var queued map[string]string
	decode(t, resp, &queued)
	assert.Equal(t, "queued", queued["status"])
}

func TestCreateCampaignValidation(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/campaigns/", campaign.CreateInput{
		Name: "No list", Subject: "Hi", SendingDomainID: "dom-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteMidSendConflicts(t *testing.T) {
	srv, campaigns, _ := testServer(t)
	campaigns.campaigns["c1"] = &domain.Campaign{
		ID: "c1", OwnerID: "default", Status: domain.CampaignSending,
	}

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/campaigns/c1/", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestScheduleRejectsPast(t *testing.T) {
	srv, campaigns, _ := testServer(t)
	campaigns.campaigns["c1"] = &domain.Campaign{
		ID: "c1", OwnerID: "default", Status: domain.CampaignDraft,
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/campaigns/c1/schedule",
		map[string]string{"at": time.Now().Add(-time.Hour).Format(time.RFC3339)})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCampaignStatsSurfacesAggregatesOnly(t *testing.T) {
	srv, campaigns, _ := testServer(t)
	campaigns.campaigns["c1"] = &domain.Campaign{
		ID: "c1", OwnerID: "default", Status: domain.CampaignSent,
		FailureReason: "smtp: connection refused by peer",
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/campaigns/c1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.CampaignStats
	decode(t, resp, &stats)
	assert.Equal(t, 10, stats.TotalEmails)
	assert.Equal(t, float64(90), stats.DeliveryRate)
}

func TestDomainLifecycle(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/domains/", sending.CreateInput{
		Domain: "news.example.com", Provider: "ses",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d domain.SendingDomain
	decode(t, resp, &d)
	assert.False(t, d.Verified)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/domains/%s/verify", srv.URL, d.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verified map[string]bool
	decode(t, resp, &verified)
	assert.True(t, verified["verified"])
}

func TestDomainUnknownProvider(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/domains/", sending.CreateInput{
		Domain: "x.example.com", Provider: "carrier-pigeon",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthIncludesWorkerStats(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]interface{}
	decode(t, resp, &payload)
	assert.Equal(t, "ok", payload["status"])
	monitor, ok := payload["monitor"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, monitor["running"])
}

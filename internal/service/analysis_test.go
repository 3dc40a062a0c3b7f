package service

import (
	"context"
	"testing"
	"time"

	"DealSync/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestOverviewEmpty(t *testing.T) {
	repo := newFakeRepo()
	svc := NewAnalysisService(repo, testLogger(), 5000)

	res, err := svc.Overview(context.Background(), repository.RecordFilter{})
	require.NoError(t, err)
	// 分母为 0 时关联率恒为 0，不得除零
	assert.Equal(t, int64(0), res.TotalActivities)
	assert.Equal(t, 0.0, res.ActivityLinkageRate)
	assert.Equal(t, 0.0, res.DealLinkageRate)
	assert.Equal(t, 0.0, res.OverallDataQualityScore)
}

func TestOverviewFullyLinked(t *testing.T) {
	repo := newFakeRepo()
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	a := repo.seedActivity("u1", "Acme Corp", 10000, date)
	d := repo.seedDeal("u1", "Acme Corp", 10000, date)
	ok, err := repo.LinkPair(context.Background(), a.ID, d.ID)
	require.NoError(t, err)
	require.True(t, ok)

	svc := NewAnalysisService(repo, testLogger(), 5000)
	res, err := svc.Overview(context.Background(), repository.RecordFilter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalActivities)
	assert.Equal(t, int64(0), res.OrphanActivities)
	assert.Equal(t, 100.0, res.ActivityLinkageRate)
	assert.Equal(t, 100.0, res.DealLinkageRate)
	assert.Equal(t, 100.0, res.OverallDataQualityScore)
	assert.Equal(t, 10000.0, res.ActivityRevenue)
}

func TestOrphansPriority(t *testing.T) {
	repo := newFakeRepo()
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo.seedActivity("u1", "Big Fish AG", 80000, date)
	repo.seedActivity("u1", "Small Co", 100, date)
	repo.seedDeal("u1", "Side Deal", 60000, date)

	svc := NewAnalysisService(repo, testLogger(), 5000)
	res, err := svc.Orphans(context.Background(), repository.RecordFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, res.Activities, 2)
	require.Len(t, res.Deals, 1)
	assert.Equal(t, 3, res.Total)

	byName := make(map[string]string)
	for _, o := range res.Activities {
		byName[o.Name] = o.Priority
	}
	assert.Equal(t, PriorityRevenueRisk, byName["Big Fish AG"])
	assert.Equal(t, PriorityDataIntegrity, byName["Small Co"])
	assert.Equal(t, PriorityRevenueRisk, res.Deals[0].Priority)
}

func TestDuplicatesGrouping(t *testing.T) {
	repo := newFakeRepo()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a1 := repo.seedActivity("u1", "TechCorp GmbH", 1000, day)
	a2 := repo.seedActivity("u1", "techcorp gmbh!", 1200, day.Add(4*time.Hour))
	// 不同日历日 / 不同 owner 的不入组
	repo.seedActivity("u1", "TechCorp GmbH", 1000, day.AddDate(0, 0, 1))
	repo.seedActivity("u2", "TechCorp GmbH", 1000, day)

	svc := NewAnalysisService(repo, testLogger(), 5000)
	groups, err := svc.Duplicates(context.Background(), repository.RecordFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, "u1", g.OwnerID)
	assert.Equal(t, "techcorp gmbh", g.NormalizedName)
	assert.Equal(t, "2026-03-10", g.Date)
	assert.Equal(t, 2, g.ActivityCount)
	assert.Equal(t, []uint64{a1.ID, a2.ID}, g.ActivityIDs)
	assert.Equal(t, FlagSameDayDuplicates, g.Flag)
}

func TestMatchingThresholdAndOwnerScope(t *testing.T) {
	repo := newFakeRepo()
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	a := repo.seedActivity("u1", "Acme Corp", 10000, date)
	dHigh := repo.seedDeal("u1", "Acme Corp", 10000, date)
	// 同名但不同 owner：绝不配对
	repo.seedDeal("u2", "Acme Corp", 10000, date)
	// 低分候选：名称擦边 + 日期远 + 金额差大
	repo.seedActivity("u1", "Initech LLC", 100, date)
	repo.seedDeal("u1", "Initech Inc", 9000, date.AddDate(0, 0, 20))

	svc := NewAnalysisService(repo, testLogger(), 5000)
	res, err := svc.Matching(context.Background(), repository.RecordFilter{OwnerID: "u1"}, 50)
	require.NoError(t, err)
	require.Len(t, res.High, 1)
	assert.Equal(t, a.ID, res.High[0].ActivityID)
	assert.Equal(t, dHigh.ID, res.High[0].DealID)
	assert.Equal(t, res.Total, len(res.Candidates))
	for _, c := range res.Candidates {
		assert.GreaterOrEqual(t, c.Total, 50)
	}
}

func TestStatisticsPerOwner(t *testing.T) {
	repo := newFakeRepo()
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo.seedActivity("u1", "Acme Corp", 1000, date)
	repo.seedDeal("u2", "Globex Ltd", 2000, date)

	svc := NewAnalysisService(repo, testLogger(), 5000)
	stats, err := svc.Statistics(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "u1", stats[0].OwnerID)
	assert.Equal(t, "u2", stats[1].OwnerID)
	assert.Equal(t, int64(1), stats[0].Overview.TotalActivities)
	assert.Equal(t, int64(1), stats[1].Overview.TotalDeals)

	single, err := svc.Statistics(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "u1", single[0].OwnerID)
}

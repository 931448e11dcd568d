package models

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/safety"
	"github.com/krwquant/ats/internal/modules/traders"
	testhelpers "github.com/krwquant/ats/internal/testing"
)

type stubEvaluator struct {
	status      string
	message     string
	metricsJSON string
	calls       int
}

func (e *stubEvaluator) EvaluateStrategy(strategyID string) (string, string, string, error) {
	e.calls++
	return e.status, e.message, e.metricsJSON, nil
}

type capturingNotifier struct {
	levels   []string
	messages []string
}

func (n *capturingNotifier) Send(level, text string) {
	n.levels = append(n.levels, level)
	n.messages = append(n.messages, text)
}

type testEnv struct {
	svc        *Service
	repo       *Repository
	traderRepo *traders.Repository
	safetyRepo *safety.Repository
	evaluator  *stubEvaluator
	notifier   *capturingNotifier
}

func newTestEnv(t *testing.T) (*testEnv, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "models")
	env := &testEnv{
		repo:       NewRepository(db.Conn(), zerolog.Nop()),
		traderRepo: traders.NewRepository(db.Conn(), zerolog.Nop()),
		safetyRepo: safety.NewRepository(db.Conn(), zerolog.Nop()),
		evaluator:  &stubEvaluator{status: "PASS", message: "ok"},
		notifier:   &capturingNotifier{},
	}
	env.svc = NewService(env.repo, env.traderRepo, env.safetyRepo, env.evaluator, env.notifier, 5, zerolog.Nop())
	return env, cleanup
}

// deployedModel walks a fresh model through DRAFT -> VALIDATED -> PAPER_DEPLOYED.
func deployedModel(t *testing.T, env *testEnv, strategyID, version string) *domain.ModelVersion {
	t.Helper()
	m, err := env.svc.Create(strategyID, version, `{"sharpe": 2.0, "mean_return": 0.01}`)
	require.NoError(t, err)
	_, _, err = env.svc.Validate(m.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.Deploy(m.ID))
	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	return m
}

// backdateDeploy pushes deployed_at past the 24h soak window.
func backdateDeploy(t *testing.T, env *testEnv, id int64) {
	t.Helper()
	require.NoError(t, env.repo.MarkDeployed(id, time.Now().UTC().Add(-25*time.Hour)))
}

func TestValidatePassAdvancesToValidated(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	env.evaluator.metricsJSON = `{"sharpe": 1.8}`
	m, err := env.svc.Create("standard", "v1", "{}")
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, m.Status)

	status, _, err := env.svc.Validate(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "PASS", status)
	assert.Equal(t, 1, env.evaluator.calls)

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelValidated, m.Status)
	assert.Equal(t, `{"sharpe": 1.8}`, m.MetricsJSON)

	// A second validation is rejected now that the model left DRAFT.
	_, _, err = env.svc.Validate(m.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "DRAFT 상태에서만 검증 가능")
}

func TestValidateRejectStaysDraft(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	env.evaluator.status = "REJECT"
	env.evaluator.message = "mean_ret_240m -5.2% < -5%"

	m, err := env.svc.Create("standard", "v1", "{}")
	require.NoError(t, err)

	status, message, err := env.svc.Validate(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "REJECT", status)
	assert.Contains(t, message, "-5%")

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, m.Status)
}

func TestDeployRequiresValidatedAndPinsBaseline(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m, err := env.svc.Create("standard", "v1", `{"sharpe": 2.0}`)
	require.NoError(t, err)

	err = env.svc.Deploy(m.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "VALIDATED 상태에서만 배포 가능")

	_, _, err = env.svc.Validate(m.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.Deploy(m.ID))

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelPaperDeployed, m.Status)
	require.NotNil(t, m.DeployedAt)

	baseline, err := env.repo.GetBaseline("standard")
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Zero(t, baseline.DriftWarnCount)
	require.NotNil(t, baseline.BaselineModelID)
	assert.Equal(t, m.ID, *baseline.BaselineModelID)

	require.NotEmpty(t, env.notifier.messages)
	assert.Contains(t, env.notifier.messages[0], "PAPER 배포 시작")
}

func TestRedeployCooldownPerStrategy(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	first := deployedModel(t, env, "standard", "v1")

	second, err := env.svc.Create("standard", "v2", "{}")
	require.NoError(t, err)
	_, _, err = env.svc.Validate(second.ID)
	require.NoError(t, err)

	err = env.svc.Deploy(second.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "재배포 쿨다운")

	// Another strategy is unaffected by the cooldown.
	other := deployedModel(t, env, "aggressive", "v1")
	assert.Equal(t, domain.ModelPaperDeployed, other.Status)

	// Once the previous deploy ages out, the second model may go.
	backdateDeploy(t, env, first.ID)
	require.NoError(t, env.svc.Deploy(second.ID))
}

func TestCheckEligibleStaysDuringSoak(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")

	status, err := env.svc.CheckEligible(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelPaperDeployed, status)
}

func TestCheckEligiblePromotesAfterSoak(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")
	backdateDeploy(t, env, m.ID)

	status, err := env.svc.CheckEligible(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelLiveEligible, status)

	last := env.notifier.messages[len(env.notifier.messages)-1]
	assert.Contains(t, last, "LIVE 전환 가능 (24시간 검증 통과)")
}

func TestCheckEligibleRejectsWrongState(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m, err := env.svc.Create("standard", "v1", "{}")
	require.NoError(t, err)

	status, err := env.svc.CheckEligible(m.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "PAPER_DEPLOYED 상태에서만 승격 확인 가능")
	assert.Equal(t, domain.ModelDraft, status)
}

func TestAutoRollbackOnNegativeNetReturn(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")
	require.NoError(t, env.svc.RecordMetrics24h(domain.ModelMetrics24h{
		ModelID: m.ID, StrategyID: "standard", TS: time.Now().UTC(),
		NetReturn24h: -0.03, MetricsJSON: "{}",
	}))

	status, err := env.svc.CheckEligible(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, status)

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, m.Status)
	require.NotNil(t, m.RollbackReason)
	assert.Equal(t, "AUTO_ROLLBACK: 24시간 수익률 -3.00% < -2%", *m.RollbackReason)

	last := len(env.notifier.levels) - 1
	assert.Equal(t, "CRITICAL", env.notifier.levels[last])
	assert.Contains(t, env.notifier.messages[last], "롤백")
}

func TestAutoRollbackOnDriftWarnings(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")
	backdateDeploy(t, env, m.ID)

	for i := 0; i < 3; i++ {
		_, err := env.repo.RecordDriftCheck("standard", true)
		require.NoError(t, err)
	}

	status, err := env.svc.CheckEligible(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, status)

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	require.NotNil(t, m.RollbackReason)
	assert.Equal(t, "AUTO_ROLLBACK: 드리프트 경고 3회", *m.RollbackReason)
}

func TestAutoRollbackOnConsecutiveLosses(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")
	backdateDeploy(t, env, m.ID)

	require.NoError(t, env.traderRepo.Create(domain.Trader{
		Name: "t1", Strategy: "standard", RiskMode: "STANDARD",
	}))
	// Traders on other strategies never count against this model.
	require.NoError(t, env.traderRepo.Create(domain.Trader{
		Name: "t2", Strategy: "aggressive", RiskMode: "STANDARD",
	}))
	for i := 0; i < 5; i++ {
		_, err := env.safetyRepo.UpdatePnL("t1", 1_000, true, 0, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 9; i++ {
		_, err := env.safetyRepo.UpdatePnL("t2", 1_000, true, 0, 0)
		require.NoError(t, err)
	}

	status, err := env.svc.CheckEligible(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, status)

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	require.NotNil(t, m.RollbackReason)
	assert.Equal(t, "AUTO_ROLLBACK: 연속 손실 5회 (t1)", *m.RollbackReason)
}

func TestArmRequiresLiveEligible(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")

	err := env.svc.Arm(m.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "LIVE_ELIGIBLE 상태에서만 ARM 가능")

	backdateDeploy(t, env, m.ID)
	_, err = env.svc.CheckEligible(m.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.Arm(m.ID))

	m, err = env.svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelLiveArmed, m.Status)

	last := len(env.notifier.levels) - 1
	assert.Equal(t, "WARN", env.notifier.levels[last])
	assert.Contains(t, env.notifier.messages[last], "LIVE ARMED")
}

func TestRollbackDefaultsToManualReason(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	m := deployedModel(t, env, "standard", "v1")
	require.NoError(t, env.svc.Rollback(m.ID, ""))

	m, err := env.svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, m.Status)
	require.NotNil(t, m.RolledBackAt)
	require.NotNil(t, m.RollbackReason)
	assert.Equal(t, "수동 롤백", *m.RollbackReason)
}

func TestCheckDriftRatioThresholds(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	// Baseline pinned at deploy time: sharpe 2.0, mean_return 0.01.
	deployedModel(t, env, "standard", "v1")

	// Sharpe well below 70% of the reference.
	drifted, count, err := env.svc.CheckDrift("standard", 1.0, 0.01)
	require.NoError(t, err)
	assert.True(t, drifted)
	assert.Equal(t, 1, count)

	// Healthy readings never bump the counter.
	drifted, count, err = env.svc.CheckDrift("standard", 2.0, 0.01)
	require.NoError(t, err)
	assert.False(t, drifted)
	assert.Equal(t, 1, count)

	// Mean return below 50% of the reference.
	drifted, count, err = env.svc.CheckDrift("standard", 2.0, 0.004)
	require.NoError(t, err)
	assert.True(t, drifted)
	assert.Equal(t, 2, count)

	// No baseline means nothing to compare against.
	drifted, count, err = env.svc.CheckDrift("unknown", 0.1, 0.0)
	require.NoError(t, err)
	assert.False(t, drifted)
	assert.Zero(t, count)
}

func TestSweepPaperDeployed(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	aged, err := env.svc.Create("s1", "v1", "{}")
	require.NoError(t, err)
	require.NoError(t, env.repo.MarkDeployed(aged.ID, time.Now().UTC().Add(-25*time.Hour)))

	fresh, err := env.svc.Create("s2", "v1", "{}")
	require.NoError(t, err)
	require.NoError(t, env.repo.MarkDeployed(fresh.ID, time.Now().UTC()))

	env.svc.SweepPaperDeployed()

	m, err := env.svc.Get(aged.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelLiveEligible, m.Status)

	m, err = env.svc.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelPaperDeployed, m.Status)
}

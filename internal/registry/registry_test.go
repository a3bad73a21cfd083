package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/booster"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/storage/memory"
)

func stumpArtifact(value float64) modelstore.Artifact {
	return modelstore.Artifact{
		Config:  pipeline.DefaultFeatureConfig(),
		Source:  pipeline.DefaultSource(),
		Columns: []string{"x"},
		Model: &booster.Model{
			Features: 1,
			Trees:    []booster.Tree{{Nodes: []booster.Node{{Leaf: true, Value: value}}}},
		},
	}
}

// fakeTrainer saves a one-leaf model so that each training produces a new
// version, or returns err.
type fakeTrainer struct {
	store   *modelstore.Store
	err     error
	onTrain func()

	mu    sync.Mutex
	calls []pipeline.FeatureConfig
	descs []pipeline.SourceDescriptor
}

func (f *fakeTrainer) Train(ctx context.Context, cfg pipeline.FeatureConfig, desc pipeline.SourceDescriptor, name string) (modelstore.Artifact, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.descs = append(f.descs, desc)
	f.mu.Unlock()
	if f.onTrain != nil {
		f.onTrain()
	}
	if f.err != nil {
		return modelstore.Artifact{}, f.err
	}
	return f.store.Save(ctx, name, stumpArtifact(cfg.Eta))
}

type fixture struct {
	reg     *Registry
	store   *modelstore.Store
	trainer *fakeTrainer
	path    string
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	projects, err := OpenProjectStore(path, zap.NewNop())
	require.NoError(t, err)
	store := modelstore.New(memory.NewBlobStore(), nil, modelstore.Config{}, nil)
	trainer := &fakeTrainer{store: store}
	return fixture{
		reg:     New(projects, store, trainer, cfg, zap.NewNop()),
		store:   store,
		trainer: trainer,
		path:    path,
	}
}

func textProject(name, model string) Project {
	return Project{Name: name, ModelName: model, DataSource: "web", SourceURL: "https://example.com/"}
}

func TestStartsEmptyAndRejectsPredictions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.reg.Predict([][]float64{{1}})
	var noActive *pipeline.NoActiveModelError
	require.ErrorAs(t, err, &noActive)

	require.NoError(t, f.reg.LoadInitial(context.Background(), ""))
	_, err = f.reg.Active()
	require.ErrorAs(t, err, &noActive)
}

func TestSwitchModelResolvesTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, v := range []float64{0.1, 0.2, 0.3} {
		_, err := f.store.Save(ctx, "cancer", stumpArtifact(v))
		require.NoError(t, err)
	}

	info, err := f.reg.SwitchModel(ctx, "cancer")
	require.NoError(t, err)
	require.Equal(t, "cancer:3", info.Tag)
	require.Equal(t, DefaultProjectName, info.Project)

	info, err = f.reg.SwitchModel(ctx, "cancer:2")
	require.NoError(t, err)
	require.Equal(t, "cancer:2", info.Tag)

	_, err = f.reg.SwitchModel(ctx, "cancer:9")
	var notFound *pipeline.ModelNotFoundError
	require.ErrorAs(t, err, &notFound)
	current, err := f.reg.CurrentModel()
	require.NoError(t, err)
	require.Equal(t, "cancer:2", current.Tag)
}

func TestSwitchModelIsAtomicForInFlightPredictions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.store.Save(ctx, "a", stumpArtifact(-2))
	require.NoError(t, err)
	_, err = f.store.Save(ctx, "b", stumpArtifact(2))
	require.NoError(t, err)
	_, err = f.reg.SwitchModel(ctx, "a")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.reg.beforePredict = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	type outcome struct {
		pred Prediction
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		pred, err := f.reg.Predict([][]float64{{0}})
		done <- outcome{pred, err}
	}()

	<-entered
	_, err = f.reg.SwitchModel(ctx, "b")
	require.NoError(t, err)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "a:1", res.pred.Model)
	require.Less(t, res.pred.Probabilities[0][1], 0.5)

	after, err := f.reg.Predict([][]float64{{0}})
	require.NoError(t, err)
	require.Equal(t, "b:1", after.Model)
	require.Greater(t, after.Probabilities[0][1], 0.5)
}

func TestCreateProjectDuplicateKeepsFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	first := textProject("x", "first")
	require.NoError(t, f.reg.CreateProject(first))

	second := textProject("x", "second")
	err := f.reg.CreateProject(second)
	var dup *pipeline.DuplicateNameError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "x", dup.Name)

	got, err := f.reg.GetProject("x")
	require.NoError(t, err)
	require.Equal(t, "first", got.ModelName)
}

func TestUpdateMissingProject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	err := f.reg.UpdateProject("ghost", textProject("ghost", "m"))
	var notFound *pipeline.NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Len(t, f.reg.ListProjects(), 1)
}

func TestProjectValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	var vErr *pipeline.ValidationError

	p := textProject("bad", "m")
	p.SourceURL = ""
	require.ErrorAs(t, f.reg.CreateProject(p), &vErr)

	p = textProject("bad", "m")
	p.Parameters.Eta = ptr(2.0)
	require.ErrorAs(t, f.reg.CreateProject(p), &vErr)

	p = textProject("../bad", "m")
	require.ErrorAs(t, f.reg.CreateProject(p), &vErr)
}

func TestDefaultResolutionAndDeletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	def, err := f.reg.ResolveDefault()
	require.NoError(t, err)
	require.Equal(t, DefaultProjectName, def.Name)
	require.Equal(t, "cancer", def.ModelName)

	var vErr *pipeline.ValidationError
	require.ErrorAs(t, f.reg.DeleteProject(DefaultProjectName), &vErr)

	require.NoError(t, f.reg.CreateProject(textProject("web", "pages")))
	require.NoError(t, f.reg.DeleteProject(DefaultProjectName))

	_, err = f.reg.ResolveDefault()
	var noDefault *pipeline.NoDefaultError
	require.ErrorAs(t, err, &noDefault)

	current, err := f.reg.CurrentProject()
	require.NoError(t, err)
	require.Equal(t, "web", current.Name)

	require.NoError(t, f.reg.SetDefault("web"))
	def, err = f.reg.ResolveDefault()
	require.NoError(t, err)
	require.Equal(t, "web", def.Name)
}

func TestMutationsPersistToFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	require.NoError(t, f.reg.CreateProject(textProject("web", "pages")))

	reopened, err := OpenProjectStore(f.path, nil)
	require.NoError(t, err)
	got, err := reopened.Get("web")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", got.SourceURL)
	require.Len(t, reopened.List(), 2)
	def, err := reopened.ResolveDefault()
	require.NoError(t, err)
	require.Equal(t, DefaultProjectName, def.Name)
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	projects, err := OpenProjectStore(filepath.Join(dir, "projects.yaml"), nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	require.Error(t, projects.Create(textProject("web", "pages")))
	_, err = projects.Get("web")
	var notFound *pipeline.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestOpenProjectStoreReadsOriginalLayout(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`default_project: spam
projects:
  spam:
    description: Spam filter
    model_name: spam
    data_source: crawl
    source_url: https://example.com
    parameters:
      max_depth: 4
      eta: 0.1
      max_features: 500
      positive_ratio: 0.0
      max_pages: 20
`), 0o600))
	projects, err := OpenProjectStore(path, nil)
	require.NoError(t, err)
	p, err := projects.ResolveDefault()
	require.NoError(t, err)
	require.Equal(t, "spam", p.Name)
	cfg := p.FeatureConfig()
	require.Equal(t, 4, cfg.MaxDepth)
	require.InDelta(t, 0.0, cfg.PositiveRatio, 1e-12)
	require.Equal(t, 10, cfg.Rounds)
	desc, err := p.Source()
	require.NoError(t, err)
	require.Equal(t, pipeline.CrawlSource("https://example.com", 20), desc)
}

func TestExplicitZeroParametersAreNotDefaulted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`default_project: zero
projects:
  zero:
    model_name: zero
    data_source: default
    parameters:
      max_depth: 0
      eta: 0.2
`), 0o600))
	projects, err := OpenProjectStore(path, nil)
	require.NoError(t, err)
	p, err := projects.Get("zero")
	require.NoError(t, err)
	require.Equal(t, 0, p.FeatureConfig().MaxDepth)
	require.Equal(t, pipeline.DefaultFeatureConfig().MaxFeatures, p.FeatureConfig().MaxFeatures)

	var vErr *pipeline.ValidationError
	require.ErrorAs(t, p.Validate(), &vErr)
	require.Equal(t, "max_depth", vErr.Field)
}

func TestStartupProjectSelection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "projects.yaml")
	projects, err := OpenProjectStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, projects.Create(textProject("web", "pages")))

	reg := New(projects, nil, nil, Config{Project: "web"}, nil)
	p, err := reg.CurrentProject()
	require.NoError(t, err)
	require.Equal(t, "web", p.Name)

	reg = New(projects, nil, nil, Config{Project: "missing"}, nil)
	p, err = reg.CurrentProject()
	require.NoError(t, err)
	require.Equal(t, DefaultProjectName, p.Name)
}

func TestSwitchProjectLoadsLatestBeforeCommitting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.reg.CreateProject(textProject("web", "pages")))

	_, err := f.reg.SwitchProject(ctx, "web")
	var notFound *pipeline.ModelNotFoundError
	require.ErrorAs(t, err, &notFound)
	current, err := f.reg.CurrentProject()
	require.NoError(t, err)
	require.Equal(t, DefaultProjectName, current.Name)

	_, err = f.store.Save(ctx, "pages", stumpArtifact(0))
	require.NoError(t, err)
	info, err := f.reg.SwitchProject(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, "pages:1", info.Tag)
	require.Equal(t, "web", info.Project)

	_, err = f.reg.SwitchProject(ctx, "ghost")
	var missing *pipeline.NotFoundError
	require.ErrorAs(t, err, &missing)
}

func TestTrainAndMaybeLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.reg.TrainAndMaybeLoad(ctx, pipeline.TrainRequest{})
	require.NoError(t, err)
	require.Equal(t, "cancer:1", res.Model)
	require.False(t, res.Loaded)
	_, err = f.reg.Active()
	require.Error(t, err)

	eta := 0.5
	res, err = f.reg.TrainAndMaybeLoad(ctx, pipeline.TrainRequest{Eta: &eta, Load: true})
	require.NoError(t, err)
	require.True(t, res.Loaded)
	active, err := f.reg.Active()
	require.NoError(t, err)
	require.Equal(t, "cancer:2", active.Tag())
	require.InDelta(t, 0.5, f.trainer.calls[1].Eta, 1e-12)
	require.Equal(t, pipeline.DefaultSource(), f.trainer.descs[1])
}

func TestTrainFailureKeepsActiveModel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.TrainAndMaybeLoad(ctx, pipeline.TrainRequest{Load: true})
	require.NoError(t, err)

	fetchErr := &pipeline.FetchError{Kind: pipeline.FetchTimeout, URL: "https://example.com/"}
	f.trainer.err = fetchErr
	src := "web"
	url := "https://example.com/"
	_, err = f.reg.TrainAndMaybeLoad(ctx, pipeline.TrainRequest{DataSource: &src, SourceURL: &url, Load: true})
	require.True(t, errors.Is(err, fetchErr))

	active, err := f.reg.Active()
	require.NoError(t, err)
	require.Equal(t, "cancer:1", active.Tag())
	probs, err := f.reg.Predict([][]float64{{1}})
	require.NoError(t, err)
	require.Len(t, probs.Probabilities, 1)
}

func TestTrainValidatesBeforeTraining(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	depth := 0
	_, err := f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{MaxDepth: &depth})
	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "max_depth", vErr.Field)

	eta := 0.0
	_, err = f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{Eta: &eta})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "eta", vErr.Field)

	features := 0
	_, err = f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{MaxFeatures: &features})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "max_features", vErr.Field)

	src := "crawl"
	_, err = f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{DataSource: &src})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "source_url", vErr.Field)
	require.Empty(t, f.trainer.calls)

	_, err = f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{Project: "ghost"})
	var notFound *pipeline.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestTrainSaveToConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	src, url, pages, model := "crawl", "https://example.com/", 7, "crawled"
	res, err := f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{
		DataSource:   &src,
		SourceURL:    &url,
		MaxPages:     &pages,
		ModelName:    &model,
		SaveToConfig: true,
	})
	require.NoError(t, err)
	require.True(t, res.ConfigSaved)
	require.Equal(t, "crawled:1", res.Model)

	reopened, err := OpenProjectStore(f.path, nil)
	require.NoError(t, err)
	p, err := reopened.Get(DefaultProjectName)
	require.NoError(t, err)
	require.Equal(t, "crawled", p.ModelName)
	require.Equal(t, "crawl", p.DataSource)
	require.Equal(t, 7, p.Parameters.MaxPages)
	require.Equal(t, 10, p.Parameters.Rounds)
}

func TestTrainSaveToConfigKeepsConcurrentEdits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.trainer.onTrain = func() {
		p, err := f.reg.projects.Get(DefaultProjectName)
		require.NoError(t, err)
		p.Description = "edited during training"
		require.NoError(t, f.reg.UpdateProject(DefaultProjectName, p))
	}
	depth := 5
	res, err := f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{MaxDepth: &depth, SaveToConfig: true})
	require.NoError(t, err)
	require.True(t, res.ConfigSaved)

	p, err := f.reg.projects.Get(DefaultProjectName)
	require.NoError(t, err)
	require.Equal(t, "edited during training", p.Description)
	require.NotNil(t, p.Parameters.MaxDepth)
	require.Equal(t, 5, *p.Parameters.MaxDepth)
}

func TestTrainCanceledBeforeActivation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := f.reg.TrainAndMaybeLoad(ctx, pipeline.TrainRequest{Load: true})
	require.Error(t, err)
	_, err = f.reg.Active()
	var noActive *pipeline.NoActiveModelError
	require.ErrorAs(t, err, &noActive)
}

func TestTrainAppliesConfiguredFallbacks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultMaxPages: 3, DefaultRounds: 25})
	require.NoError(t, f.reg.CreateProject(Project{Name: "site", ModelName: "site", DataSource: "crawl", SourceURL: "https://example.com/"}))

	_, err := f.reg.TrainAndMaybeLoad(context.Background(), pipeline.TrainRequest{Project: "site"})
	require.NoError(t, err)
	require.Equal(t, 25, f.trainer.calls[0].Rounds)
	require.Equal(t, 3, f.trainer.descs[0].MaxPages)
}

package searchsync

import (
	"context"
	"sync"

	"bitbucket.org/mmdatafocus/catalog_search/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// Service runs one dedicated worker per configured entity type. Workers
// share no mutable state; the checkpoint store's CAS contract is the
// only synchronization point between them (and between instances).
type Service struct {
	runners map[string]*Runner
	order   []string
	log     *logrus.Logger
	wg      sync.WaitGroup
}

type ServiceDeps struct {
	Checkpoints CheckpointStore
	Extractor   Extractor
	Loader      Loader
	History     HistoryStore
	Locker      *redislock.Client
	Logger      *logrus.Logger
}

func NewService(settings *config.Settings, deps ServiceDeps) *Service {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	svc := &Service{
		runners: make(map[string]*Runner, len(settings.EntityTypes)),
		order:   settings.EntityTypes,
		log:     deps.Logger,
	}
	for _, entityType := range settings.EntityTypes {
		svc.runners[entityType] = NewRunner(RunnerOptions{
			EntityType:        entityType,
			Checkpoints:       deps.Checkpoints,
			Extractor:         deps.Extractor,
			Loader:            deps.Loader,
			History:           deps.History,
			Logger:            deps.Logger,
			BatchSize:         settings.BatchSize,
			PollInterval:      settings.PollInterval,
			BackoffInitial:    settings.BackoffInitial,
			BackoffMax:        settings.BackoffMax,
			ReadinessInterval: settings.ReadinessInterval,
			Locker:            deps.Locker,
			LockTTL:           settings.LockTTL,
		})
	}
	return svc
}

// Start launches one goroutine per entity type. Workers observe ctx
// cancellation at cycle boundaries only; call Wait to block until every
// in-flight cycle has finished.
func (s *Service) Start(ctx context.Context) {
	for _, entityType := range s.order {
		runner := s.runners[entityType]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.WithFields(logrus.Fields{"module": "searchsync", "entity": runner.entityType}).Info("worker started")
			runner.Run(ctx)
			s.log.WithFields(logrus.Fields{"module": "searchsync", "entity": runner.entityType}).Info("worker stopped")
		}()
	}
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// EntityTypes returns the configured types in their configured order.
func (s *Service) EntityTypes() []string {
	return s.order
}

// Trigger nudges one entity type's worker out of its poll sleep.
func (s *Service) Trigger(entityType string) bool {
	runner, ok := s.runners[entityType]
	if !ok {
		return false
	}
	runner.Nudge()
	return true
}

// TriggerAll nudges every worker.
func (s *Service) TriggerAll() {
	for _, runner := range s.runners {
		runner.Nudge()
	}
}

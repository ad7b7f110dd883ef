package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/store"
	"github.com/capitalize-ai/negotiation-room/internal/template"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

// ContractService creates contracts from templates and reads their state.
type ContractService struct {
	store   store.Store
	catalog *template.Catalog
	rooms   *RoomManager
	logger  *logger.Logger
}

// NewContractService creates a new contract service.
func NewContractService(st store.Store, catalog *template.Catalog, rooms *RoomManager, log *logger.Logger) *ContractService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ContractService{store: st, catalog: catalog, rooms: rooms, logger: log}
}

// Create instantiates a template and stores the draft contract.
func (s *ContractService) Create(ctx context.Context, req model.CreateContractRequest) (model.Contract, error) {
	c, err := s.catalog.Instantiate(req.TemplateID, req.Title, req.Type)
	if err != nil {
		return model.Contract{}, err
	}
	// Reject templates the registry would refuse before anything is stored.
	if _, err := negotiation.NewRegistry(c.Sections, negotiation.DefaultPolicy()); err != nil {
		return model.Contract{}, fmt.Errorf("template %s: %w", req.TemplateID, err)
	}
	if err := s.store.CreateContract(ctx, c); err != nil {
		return model.Contract{}, err
	}

	s.logger.Info("contract created",
		zap.String("contract_id", c.ID),
		zap.String("template_id", c.TemplateID),
		zap.Int("sections", len(c.Sections)),
	)
	return c, nil
}

// Get returns the live state of a contract, opening its room if needed.
func (s *ContractService) Get(ctx context.Context, id string) (*negotiation.Snapshot, error) {
	room, err := s.rooms.Room(ctx, id)
	if err != nil {
		return nil, err
	}
	return room.Snapshot(), nil
}

// List returns stored contracts as of their committed logs. Open rooms are
// read directly; the rest are replayed from the store.
func (s *ContractService) List(ctx context.Context, limit, offset int) ([]model.Contract, error) {
	contracts, err := s.store.ListContracts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, c := range contracts {
		if room, ok := s.rooms.Loaded(c.ID); ok {
			contracts[i] = room.Snapshot().Contract()
			continue
		}
		projected, err := s.rooms.Project(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID, err)
		}
		contracts[i] = projected
	}
	return contracts, nil
}

// Templates lists the available contract templates.
func (s *ContractService) Templates() []template.Template {
	return s.catalog.List()
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/repo"
)

// WidgetConfigRepo defines the repository contract required by
// WidgetConfigService.
type WidgetConfigRepo interface {
	GetWidgetConfig(ctx context.Context, db *gorm.DB, tenantID string) (*domain.WidgetConfig, error)
	UpsertWidgetConfig(ctx context.Context, db *gorm.DB, wc *domain.WidgetConfig) error
}

// widgetRules mirrors the editable WidgetConfig fields.
type widgetRules struct {
	WidgetName     string `validate:"max=100"`
	PrimaryColor   string `validate:"hexcolor"`
	Position       string `validate:"oneof=bottom-right bottom-left"`
	WelcomeMessage string `validate:"max=500"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// WidgetConfigService serves the widget's appearance settings.
type WidgetConfigService struct {
	DB   *gorm.DB
	Repo WidgetConfigRepo
}

// Get returns the tenant's settings, or the defaults when none are stored.
// Only storage failures are errors.
func (s *WidgetConfigService) Get(ctx context.Context, tenantID string) (*domain.WidgetConfig, error) {
	wc, err := s.Repo.GetWidgetConfig(ctx, s.DB, tenantID)
	if errors.Is(err, repo.ErrNotFound) {
		d := domain.DefaultWidgetConfig(tenantID)
		return &d, nil
	}
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// Put validates and stores the tenant's settings. Blank fields take the
// default value.
func (s *WidgetConfigService) Put(ctx context.Context, wc domain.WidgetConfig) (*domain.WidgetConfig, error) {
	def := domain.DefaultWidgetConfig(wc.TenantID)
	wc.WidgetName = orDefault(wc.WidgetName, def.WidgetName)
	wc.PrimaryColor = orDefault(wc.PrimaryColor, def.PrimaryColor)
	wc.Position = orDefault(wc.Position, def.Position)
	wc.WelcomeMessage = orDefault(wc.WelcomeMessage, def.WelcomeMessage)

	err := validate.Struct(widgetRules{
		WidgetName:     wc.WidgetName,
		PrimaryColor:   wc.PrimaryColor,
		Position:       wc.Position,
		WelcomeMessage: wc.WelcomeMessage,
	})
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return nil, fmt.Errorf("%w: %s failed %s", ErrInvalidWidgetConfig, lowerFirst(ve[0].Field()), ve[0].Tag())
	}
	if err != nil {
		return nil, err
	}

	if err := s.Repo.UpsertWidgetConfig(ctx, s.DB, &wc); err != nil {
		return nil, err
	}
	return &wc, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

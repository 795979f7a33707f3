package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/config"
	"github.com/unclebandit/whatsapp-delivery-core/internal/db"
	"github.com/unclebandit/whatsapp-delivery-core/internal/logger"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/phone"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

var (
	tenantCount = flag.Int("tenants", 3, "number of tenants to create")
	sellerCount = flag.Int("sellers", 2, "seller phones per tenant")
	seed        = flag.Uint64("seed", 0, "faker seed, 0 for random")
)

type directory interface {
	CreateTenant(ctx context.Context, t *model.Tenant) error
	AddSellerPhone(ctx context.Context, p *model.SellerPhone) error
}

func main() {
	_ = godotenv.Load()

	// MustLoadConfig parses the command line, including the flags above.
	cfg := config.MustLoadConfig()

	log := logger.MustSetupLogger(cfg.Logger)
	defer log.Sync()

	conn, err := db.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tenants, err := seedDirectory(ctx, &repository.TenantRepository{DB: conn}, gofakeit.New(*seed), *tenantCount, *sellerCount)
	if err != nil {
		log.Fatal("Seeding failed", zap.Error(err))
	}

	for _, t := range tenants {
		log.Info("Seeded tenant",
			zap.String("tenant_id", t.ID),
			zap.String("name", t.Name),
			zap.String("whatsapp_number", phone.WithPrefix(t.WhatsAppPhoneNumber)),
		)
	}

	log.Info("Database seeding completed", zap.Int("tenants", len(tenants)))
}

// seedDirectory creates tenants with random E.164 numbers and attaches
// sellers to each.
func seedDirectory(ctx context.Context, dir directory, faker *gofakeit.Faker, tenants, sellers int) ([]model.Tenant, error) {
	out := make([]model.Tenant, 0, tenants)

	for i := 0; i < tenants; i++ {
		t := model.Tenant{
			ID:                  uuid.NewString(),
			Name:                faker.Company(),
			WhatsAppPhoneNumber: fakeNumber(faker),
		}
		if err := dir.CreateTenant(ctx, &t); err != nil {
			return out, err
		}

		for j := 0; j < sellers; j++ {
			p := model.SellerPhone{
				ID:          uuid.NewString(),
				TenantID:    t.ID,
				PhoneNumber: fakeNumber(faker),
			}
			if err := dir.AddSellerPhone(ctx, &p); err != nil {
				return out, err
			}
		}

		out = append(out, t)
	}

	return out, nil
}

// fakeNumber returns an Ivorian mobile number in E.164.
func fakeNumber(faker *gofakeit.Faker) string {
	return "+22507" + faker.Numerify("########")
}

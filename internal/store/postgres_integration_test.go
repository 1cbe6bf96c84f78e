//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"rummi-server/internal/session"
	"rummi-server/internal/store"
)

var (
	pgContainer *postgres.PostgresContainer
	pgPool      *pgxpool.Pool
	pgStore     *store.PostgresStore
)

var _ = BeforeSuite(func() {
	ctx := context.Background()

	var err error
	pgContainer, err = postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rummi_test"),
		postgres.WithUsername("rummi"),
		postgres.WithPassword("rummi"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	Expect(err).NotTo(HaveOccurred())

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	migrator, err := store.NewMigrator(connStr)
	Expect(err).NotTo(HaveOccurred())
	Expect(migrator.Up()).To(Succeed())
	version, dirty, err := migrator.Version()
	Expect(err).NotTo(HaveOccurred())
	Expect(dirty).To(BeFalse())
	Expect(version).To(BeNumerically("==", 2))
	Expect(migrator.Close()).To(Succeed())

	pgPool, err = store.OpenPool(ctx, connStr)
	Expect(err).NotTo(HaveOccurred())
	pgStore = store.NewPostgresStore(pgPool)
})

var _ = AfterSuite(func() {
	if pgPool != nil {
		pgPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
})

var _ = Describe("PostgresStore", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		_, err := pgPool.Exec(ctx, `TRUNCATE sessions CASCADE`)
		Expect(err).NotTo(HaveOccurred())
	})

	newSession := func(code string) *session.Session {
		now := time.Now().UTC().Truncate(time.Microsecond)
		return &session.Session{
			ID:        session.NewSessionID(),
			Code:      code,
			Status:    session.StatusWaiting,
			Players:   []*session.Player{},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	Describe("Create", func() {
		It("rejects a code that is already in use", func() {
			Expect(pgStore.Create(ctx, newSession("ABCD"))).To(Succeed())
			Expect(pgStore.Create(ctx, newSession("ABCD"))).To(MatchError(session.ErrCodeTaken))
		})
	})

	Describe("Put", func() {
		It("applies the first writer and rejects the stale one", func() {
			Expect(pgStore.Create(ctx, newSession("ABCD"))).To(Succeed())

			first, err := pgStore.Get(ctx, "ABCD")
			Expect(err).NotTo(HaveOccurred())
			second, err := pgStore.Get(ctx, "ABCD")
			Expect(err).NotTo(HaveOccurred())

			first.Players = append(first.Players, &session.Player{ID: "p1", Name: "Alice", Connected: true})
			Expect(pgStore.Put(ctx, first)).To(Succeed())
			Expect(first.Version).To(Equal(int64(2)))

			second.Players = append(second.Players, &session.Player{ID: "p2", Name: "Bob", Connected: true})
			Expect(pgStore.Put(ctx, second)).To(MatchError(session.ErrConflict))

			got, err := pgStore.Get(ctx, "ABCD")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Players).To(HaveLen(1))
			Expect(got.Players[0].Name).To(Equal("Alice"))
			Expect(got.Version).To(Equal(int64(2)))
		})
	})

	Describe("Bindings", func() {
		It("drops bindings together with their session", func() {
			Expect(pgStore.Create(ctx, newSession("ABCD"))).To(Succeed())
			Expect(pgStore.Bind(ctx, "c1", "ABCD")).To(Succeed())

			code, err := pgStore.Lookup(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal("ABCD"))

			Expect(pgStore.Delete(ctx, "ABCD")).To(Succeed())
			_, err = pgStore.Lookup(ctx, "c1")
			Expect(err).To(MatchError(session.ErrNotFound))
		})
	})

	Describe("Sweep", func() {
		It("removes only idle finished or empty sessions", func() {
			old := newSession("OLD1")
			old.UpdatedAt = time.Now().Add(-48 * time.Hour)
			Expect(pgStore.Create(ctx, old)).To(Succeed())

			busy := newSession("BUSY")
			busy.Players = []*session.Player{{ID: "p1"}, {ID: "p2"}}
			busy.Status = session.StatusPlaying
			busy.UpdatedAt = old.UpdatedAt
			Expect(pgStore.Create(ctx, busy)).To(Succeed())

			Expect(pgStore.Create(ctx, newSession("NEW1"))).To(Succeed())

			n, err := pgStore.Sweep(ctx, 24*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			_, err = pgStore.Get(ctx, "OLD1")
			Expect(err).To(MatchError(session.ErrNotFound))
			_, err = pgStore.Get(ctx, "BUSY")
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

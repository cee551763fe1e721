// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"mapin/internal/cache"
	"mapin/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumUsers     int
	PrivateRatio float64
	FollowsPer   int
	ShouldClean  bool
	WarmCache    bool
}

// Seeder builds demo users and a follow graph over them. Development and
// testing only.
type Seeder struct {
	db   *gorm.DB
	rand *rand.Rand
}

// NewSeeder creates a new Seeder bound to the provided Gorm DB.
func NewSeeder(db *gorm.DB) *Seeder {
	gofakeit.Seed(time.Now().UnixNano())
	return &Seeder{
		db:   db,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ClearAll removes all seeded graph data.
func (s *Seeder) ClearAll() error {
	log.Println("Clearing existing data...")
	for _, table := range []string{"follow_requests", "follows", "users"} {
		if err := s.db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// SeedUsers creates n demo users. Roughly privateRatio of them are private
// accounts so the request flow gets exercised.
func (s *Seeder) SeedUsers(n int, privateRatio float64) ([]models.User, error) {
	users := make([]models.User, 0, n)
	seen := make(map[string]bool, n)

	for len(users) < n {
		username := strings.ToLower(gofakeit.Username())
		if seen[username] {
			username = fmt.Sprintf("%s%d", username, s.rand.Intn(10000))
			if seen[username] {
				continue
			}
		}
		seen[username] = true

		u := models.User{
			Username:          username,
			FullName:          gofakeit.Name(),
			Bio:               gofakeit.Sentence(8),
			ProfilePictureURL: fmt.Sprintf("https://picsum.photos/seed/%s/256/256", gofakeit.UUID()),
			IsPrivate:         s.rand.Float64() < privateRatio,
		}
		if s.rand.Intn(3) == 0 {
			u.InstagramUsername = username
		}
		users = append(users, u)
	}

	if err := s.db.CreateInBatches(&users, 100).Error; err != nil {
		return nil, fmt.Errorf("create users: %w", err)
	}
	log.Printf("Created %d users", len(users))
	return users, nil
}

// SeedGraph wires a follow mesh over users: public targets get edges, private
// targets get a mix of pending and accepted requests (accepted ones also get
// the edge, preserving the store invariants).
func (s *Seeder) SeedGraph(users []models.User, followsPer int) error {
	if len(users) < 2 {
		return nil
	}

	var edges []models.Follow
	var requests []models.FollowRequest
	pairSeen := make(map[[2]uint]bool)

	for i := range users {
		follower := users[i]
		for f := 0; f < followsPer; f++ {
			target := users[s.rand.Intn(len(users))]
			if target.ID == follower.ID {
				continue
			}
			key := [2]uint{follower.ID, target.ID}
			if pairSeen[key] {
				continue
			}
			pairSeen[key] = true

			createdAt := time.Now().Add(-time.Duration(s.rand.Intn(90*24)) * time.Hour)

			if !target.IsPrivate {
				edges = append(edges, models.Follow{
					FollowerID:  follower.ID,
					FollowingID: target.ID,
					CreatedAt:   createdAt,
				})
				continue
			}

			req := models.FollowRequest{
				SenderID:   follower.ID,
				ReceiverID: target.ID,
				Status:     models.RequestStatusPending,
				CreatedAt:  createdAt,
			}
			switch s.rand.Intn(3) {
			case 0:
				// stays pending
			case 1:
				req.Status = models.RequestStatusAccepted
				edges = append(edges, models.Follow{
					FollowerID:  follower.ID,
					FollowingID: target.ID,
					CreatedAt:   createdAt,
				})
			case 2:
				req.Status = models.RequestStatusRejected
			}
			requests = append(requests, req)
		}
	}

	if len(edges) > 0 {
		if err := s.db.CreateInBatches(&edges, 200).Error; err != nil {
			return fmt.Errorf("create follows: %w", err)
		}
	}
	if len(requests) > 0 {
		if err := s.db.CreateInBatches(&requests, 200).Error; err != nil {
			return fmt.Errorf("create follow requests: %w", err)
		}
	}

	log.Printf("Created %d follow edges and %d follow requests", len(edges), len(requests))
	return nil
}

// WarmCountCache preloads the Redis count projection from the seeded edge set.
func (s *Seeder) WarmCountCache(ctx context.Context, users []models.User) error {
	for _, u := range users {
		var followers, following int64
		if err := s.db.Model(&models.Follow{}).Where("following_id = ?", u.ID).Count(&followers).Error; err != nil {
			return err
		}
		if err := s.db.Model(&models.Follow{}).Where("follower_id = ?", u.ID).Count(&following).Error; err != nil {
			return err
		}
		cache.WarmPairCounts(ctx, u.ID, followers, following)
	}
	log.Printf("Warmed count cache for %d users", len(users))
	return nil
}

// Seed runs the full pipeline according to opts.
func Seed(db *gorm.DB, opts Options) error {
	s := NewSeeder(db)

	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return err
		}
	}

	ratio := opts.PrivateRatio
	if ratio <= 0 {
		ratio = 0.3
	}
	users, err := s.SeedUsers(opts.NumUsers, ratio)
	if err != nil {
		return err
	}

	followsPer := opts.FollowsPer
	if followsPer <= 0 {
		followsPer = 8
	}
	if err := s.SeedGraph(users, followsPer); err != nil {
		return err
	}

	if opts.WarmCache {
		if err := s.WarmCountCache(context.Background(), users); err != nil {
			return err
		}
	}
	return nil
}

// Command main runs the database seeder for the Mapin social graph.
package main

import (
	"flag"
	"log"

	"mapin/internal/cache"
	"mapin/internal/config"
	"mapin/internal/database"
	"mapin/internal/seed"
)

func main() {
	// Parse command line flags
	numUsers := flag.Int("users", 50, "Number of users to create")
	followsPer := flag.Int("follows", 8, "Follow attempts per user")
	privateRatio := flag.Float64("private", 0.3, "Fraction of users with private accounts")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	warmCache := flag.Bool("warm-cache", false, "Warm the Redis count cache from the seeded edges")
	flag.Parse()

	log.Println("🌱 Graph Seeder")
	log.Println("===============")
	log.Printf("Target: %d users, %d follows each, %.0f%% private, clean=%v\n",
		*numUsers, *followsPer, *privateRatio*100, *shouldClean)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if *warmCache {
		cache.InitRedis(cfg.RedisURL)
	}

	if err := seed.Seed(db, seed.Options{
		NumUsers:     *numUsers,
		PrivateRatio: *privateRatio,
		FollowsPer:   *followsPer,
		ShouldClean:  *shouldClean,
		WarmCache:    *warmCache && cache.GetClient() != nil,
	}); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("✨ All done! The follow graph is populated with demo data.")
}

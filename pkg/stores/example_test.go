package stores_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
)

// Example demonstrates restoring the provisioning snapshot of a deployment.
func Example() {
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		panic(err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		panic(err)
	}
	if err := store.Migrate(ctx); err != nil {
		panic(err)
	}

	_ = store.SaveSnapshot(ctx, &engine.Snapshot{
		Deployment:      "web",
		OrchestrationID: "o-1",
		Domain:          engine.DomainProvisioning,
		Status:          engine.StatusComplete,
		Nodes: []engine.NodeSnapshot{
			{ID: "net", Name: "net", Kind: engine.KindNetwork, Status: engine.NodeStatusSuccess, Attempts: 1, Performed: true, UpdatedAt: time.Now()},
		},
		TakenAt: time.Now(),
	})

	snap, err := store.LoadSnapshot(ctx, "web", engine.DomainProvisioning)
	if err != nil {
		panic(err)
	}
	fmt.Println(snap.Status, snap.Nodes[0].ID, snap.Nodes[0].Performed)
	// Output: COMPLETE net true
}

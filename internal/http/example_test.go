package http_test

import (
	"context"
	"fmt"
	"net/http/httptest"

	httpserver "github.com/fyrsmithlabs/ecotone/internal/http"
	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"go.uber.org/zap"
)

// ExampleServer serves an in-memory chromem database and reads it back
// through the REST client store B uses.
func ExampleServer() {
	logger := zap.NewNop()

	db, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "mogul_memory"}, logger)
	if err != nil {
		panic(err)
	}
	resolver := httpserver.ResolverFunc(func(name string) (vectorstore.Store, error) {
		st, err := db.Collection(name)
		if err != nil {
			return nil, err
		}
		return st, nil
	})

	server, err := httpserver.NewServer(resolver, logger, nil)
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client, err := vectorstore.NewRESTStore(vectorstore.RESTConfig{BaseURL: ts.URL, Collection: "mogul_memory"}, logger)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	ctx := context.Background()
	if _, err := client.Upsert(ctx, vectorstore.Document{ID: "ostrom", Text: "commons governance", Vector: []float32{0, 1, 0}}); err != nil {
		panic(err)
	}
	if _, err := client.Upsert(ctx, vectorstore.Document{ID: "pilot", Text: "quota auctions", Vector: []float32{1, 0, 0}}); err != nil {
		panic(err)
	}

	hits, err := client.Search(ctx, []float32{0.1, 0.9, 0}, 1)
	if err != nil {
		panic(err)
	}
	fmt.Println(hits[0].ID, hits[0].Text)
	// Output: ostrom commons governance
}

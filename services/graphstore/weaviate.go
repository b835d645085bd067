// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("meridian.graphstore")

// WeaviateConfig configures the Weaviate-backed Store.
type WeaviateConfig struct {
	// URL is the Weaviate server URL (e.g., "http://localhost:8080").
	URL string

	Breaker BreakerConfig

	Logger *slog.Logger
}

// WeaviateStore implements Store on Weaviate. Every backend call routes
// through the circuit breaker.
//
// Thread Safety: safe for concurrent use.
type WeaviateStore struct {
	client  *weaviate.Client
	breaker *Breaker
	logger  *slog.Logger

	// class -> property names, derived from the schema definitions. GraphQL
	// queries request these explicitly.
	classFields map[string][]string
}

// NewWeaviateStore creates a Weaviate-backed Store.
func NewWeaviateStore(cfg WeaviateConfig) (*WeaviateStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("url must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	if strings.HasPrefix(cfg.URL, "https://") {
		wcfg.Scheme = "https"
		wcfg.Host = strings.TrimPrefix(cfg.URL, "https://")
	} else if strings.HasPrefix(cfg.URL, "http://") {
		wcfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	cfg.Breaker.Logger = cfg.Logger
	breaker, err := NewBreaker(cfg.Breaker)
	if err != nil {
		return nil, err
	}

	classFields := make(map[string][]string)
	for _, class := range AllSchemas() {
		names := make([]string, 0, len(class.Properties))
		for _, p := range class.Properties {
			names = append(names, p.Name)
		}
		classFields[class.Class] = names
	}

	return &WeaviateStore{
		client:      client,
		breaker:     breaker,
		logger:      cfg.Logger.With(slog.String("component", "weaviate_store")),
		classFields: classFields,
	}, nil
}

// EnsureSchema creates any missing classes. Existing classes are left
// untouched, never migrated.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.EnsureSchema")
	defer span.End()

	for _, class := range AllSchemas() {
		class := class
		err := s.breaker.Do(ctx, func() error {
			_, err := s.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
			if err == nil {
				return nil
			}
			s.logger.Info("creating graph class", slog.String("class", class.Class))
			return s.client.Schema().ClassCreator().WithClass(class).Do(ctx)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("ensure class %s: %w", class.Class, err)
		}
	}
	return nil
}

// UpsertByKey implements the Store interface.
func (s *WeaviateStore) UpsertByKey(ctx context.Context, class, id string, props map[string]interface{}) (bool, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.UpsertByKey")
	defer span.End()
	span.SetAttributes(attribute.String("class", class), attribute.String("id", id))

	existing, err := s.fetch(ctx, class, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if existing == nil {
		err := s.breaker.Do(ctx, func() error {
			_, err := s.client.Data().Creator().
				WithClassName(class).
				WithID(id).
				WithProperties(props).
				Do(ctx)
			return err
		})
		if err != nil {
			// A concurrent writer may have created the object between the
			// existence check and the create. The write is by deterministic
			// ID, so losing that race is not a failure.
			if strings.Contains(err.Error(), "already exists") {
				return false, s.replace(ctx, class, id, props)
			}
			span.RecordError(err)
			return false, fmt.Errorf("create %s/%s: %w", class, id, err)
		}
		return true, nil
	}

	return false, s.replace(ctx, class, id, props)
}

func (s *WeaviateStore) replace(ctx context.Context, class, id string, props map[string]interface{}) error {
	err := s.breaker.Do(ctx, func() error {
		return s.client.Data().Updater().
			WithClassName(class).
			WithID(id).
			WithProperties(props).
			Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", class, id, err)
	}
	return nil
}

// Get implements the Store interface.
func (s *WeaviateStore) Get(ctx context.Context, class, id string) (*Object, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Get")
	defer span.End()
	span.SetAttributes(attribute.String("class", class), attribute.String("id", id))

	return s.fetch(ctx, class, id)
}

func (s *WeaviateStore) fetch(ctx context.Context, class, id string) (*Object, error) {
	var objects []*models.Object
	err := s.breaker.Do(ctx, func() error {
		var err error
		objects, err = s.client.Data().ObjectsGetter().
			WithClassName(class).
			WithID(id).
			Do(ctx)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", class, id, err)
	}
	if len(objects) == 0 {
		return nil, ErrNotFound
	}

	props, _ := objects[0].Properties.(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	return &Object{Class: class, ID: id, Properties: props}, nil
}

// Query implements the Store interface.
func (s *WeaviateStore) Query(ctx context.Context, class string, fs []Filter, limit int) ([]Object, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("class", class), attribute.Int("filters", len(fs)))

	fieldNames, ok := s.classFields[class]
	if !ok {
		return nil, fmt.Errorf("unknown class %s", class)
	}
	fields := make([]graphql.Field, 0, len(fieldNames)+1)
	for _, name := range fieldNames {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{
		Name:   "_additional",
		Fields: []graphql.Field{{Name: "id"}},
	})

	query := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...)
	if where := buildWhere(fs); where != nil {
		query = query.WithWhere(where)
	}
	if limit > 0 {
		query = query.WithLimit(limit)
	}

	var resp *models.GraphQLResponse
	err := s.breaker.Do(ctx, func() error {
		var err error
		resp, err = query.Do(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query %s: %w", class, err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("query %s: %s", class, resp.Errors[0].Message)
	}

	return parseQueryResponse(resp, class)
}

// Update implements the Store interface.
func (s *WeaviateStore) Update(ctx context.Context, class, id string, mutate func(props map[string]interface{}) error) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("class", class), attribute.String("id", id))

	obj, err := s.fetch(ctx, class, id)
	if err != nil {
		return err
	}
	if err := mutate(obj.Properties); err != nil {
		return err
	}
	return s.replace(ctx, class, id, obj.Properties)
}

func buildWhere(fs []Filter) *filters.WhereBuilder {
	if len(fs) == 0 {
		return nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(fs))
	for _, f := range fs {
		operands = append(operands, filters.Where().
			WithPath(f.Path).
			WithOperator(filters.Equal).
			WithValueString(f.Equals))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// parseQueryResponse converts Weaviate's dynamic GraphQL payload into
// Objects via a JSON round trip.
func parseQueryResponse(resp *models.GraphQLResponse, class string) ([]Object, error) {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal query response: %w", err)
	}

	var parsed struct {
		Get map[string][]map[string]interface{} `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse query response: %w", err)
	}

	rows := parsed.Get[class]
	out := make([]Object, 0, len(rows))
	for _, row := range rows {
		obj := Object{Class: class, Properties: row}
		if add, ok := row["_additional"].(map[string]interface{}); ok {
			if id, ok := add["id"].(string); ok {
				obj.ID = id
			}
			delete(row, "_additional")
		}
		out = append(out, obj)
	}
	return out, nil
}

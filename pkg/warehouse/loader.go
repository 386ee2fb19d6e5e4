// Package warehouse exports cached snapshots into a BigQuery table.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DefaultBatchSize is the number of rows sent per streaming insert.
const DefaultBatchSize = 500

// RowInserter abstracts *bigquery.Inserter.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// DatasetConfig names the destination table.
type DatasetConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: path to a service account JSON file.
}

// NewProductionBigQueryClient creates a BigQuery client using Application
// Default Credentials unless a credentials file is given.
func NewProductionBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// Loader streams table rows into a warehouse table in batches.
type Loader struct {
	inserter  RowInserter
	batchSize int
	logger    zerolog.Logger
}

// NewLoader creates a Loader around any RowInserter.
func NewLoader(inserter RowInserter, batchSize int, logger zerolog.Logger) (*Loader, error) {
	if inserter == nil {
		return nil, errors.New("row inserter cannot be nil")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{
		inserter:  inserter,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "WarehouseLoader").Logger(),
	}, nil
}

// NewBigQueryLoader connects a Loader to a BigQuery table, creating the table
// with schema if it does not exist yet.
func NewBigQueryLoader(
	ctx context.Context,
	client *bigquery.Client,
	cfg DatasetConfig,
	schema bigquery.Schema,
	batchSize int,
	logger zerolog.Logger,
) (*Loader, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	ref := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := ref.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Creating it from the snapshot schema.")
		if err := ref.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
	}
	return NewLoader(ref.Inserter(), batchSize, logger)
}

// FieldName turns a column name into a valid BigQuery field name.
func FieldName(column string) string {
	var b strings.Builder
	for _, r := range column {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || unicode.IsDigit(rune(name[0])) {
		name = "_" + name
	}
	return name
}

// SchemaFor infers a nullable schema from the first non-nil value of each
// column. Columns holding only nil are typed STRING.
func SchemaFor(t table.Table) bigquery.Schema {
	schema := make(bigquery.Schema, len(t.Columns))
	for i, col := range t.Columns {
		fieldType := bigquery.StringFieldType
	rows:
		for _, row := range t.Rows {
			switch row[i].(type) {
			case nil:
				continue
			case bool:
				fieldType = bigquery.BooleanFieldType
			case float64, float32, int, int64:
				fieldType = bigquery.FloatFieldType
			}
			break rows
		}
		schema[i] = &bigquery.FieldSchema{Name: FieldName(col), Type: fieldType}
	}
	return schema
}

// row is a single table row as a bigquery.ValueSaver.
type row struct {
	fields   []string
	values   []any
	insertID string
}

func (r *row) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r.fields))
	for i, f := range r.fields {
		out[f] = r.values[i]
	}
	return out, r.insertID, nil
}

// Load streams every row of t. Insert ids are "<idPrefix>-<row index>", so
// loading the same snapshot again under the same prefix is deduplicated by
// BigQuery's best-effort insert id handling.
func (l *Loader) Load(ctx context.Context, t table.Table, idPrefix string) (int, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if t.Len() == 0 {
		l.logger.Info().Msg("Load called with an empty table, nothing to do.")
		return 0, nil
	}
	fields := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		fields[i] = FieldName(col)
	}

	loaded := 0
	for start := 0; start < t.Len(); start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		end := min(start+l.batchSize, t.Len())
		batch := make([]bigquery.ValueSaver, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, &row{fields: fields, values: t.Rows[i], insertID: fmt.Sprintf("%s-%d", idPrefix, i)})
		}
		if err := l.inserter.Put(ctx, batch); err != nil {
			var multi bigquery.PutMultiError
			if errors.As(err, &multi) {
				for _, rowErr := range multi {
					l.logger.Error().Int("row_index", start+rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
				}
			}
			return loaded, fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
		loaded += len(batch)
		l.logger.Debug().Int("batch_size", len(batch)).Msg("Inserted batch.")
	}
	l.logger.Info().Int("rows", loaded).Str("id_prefix", idPrefix).Msg("Table loaded.")
	return loaded, nil
}

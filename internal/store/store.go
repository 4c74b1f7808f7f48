package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/iurnickita/keydelivery/internal/model"
	"github.com/iurnickita/keydelivery/internal/store/config"
)

// KeyStore is the credential pool as seen by the allocator.
type KeyStore interface {
	GetProduct(ctx context.Context, productID string) (model.DigitalProduct, error)
	FindUnclaimed(ctx context.Context, productID string, variantRef string) (model.Credential, error)
	Claim(ctx context.Context, credentialID string, claim Claim) (bool, error)
	FindBoundToOrder(ctx context.Context, productID string, platformOrderRef string) ([]model.Credential, error)
}

type Store interface {
	KeyStore

	// Каталог
	GetProductByPlatformRef(ctx context.Context, platformRef string) (model.DigitalProduct, error)
	GetVariantOverride(ctx context.Context, productID string, variantRef string) (model.VariantOverride, error)
	UpsertProduct(ctx context.Context, product model.DigitalProduct) (model.DigitalProduct, error)
	UpsertVariantOverride(ctx context.Context, override model.VariantOverride) error

	// Ключи
	GetCredential(ctx context.Context, credentialID string) (model.Credential, error)
	MarkDelivery(ctx context.Context, credentialIDs []string, status model.DeliveryStatus, sentAt time.Time) error
	LinkCustomer(ctx context.Context, credentialID string, customerID string) error
	BulkInsert(ctx context.Context, productID string, variantRef string, keys []string) (ImportResult, error)
	CountAvailable(ctx context.Context, productID string) (int, error)
	ListPendingDeliveries(ctx context.Context, limit int, offset int) ([]model.Credential, error)

	// Покупатели и заказы
	GetCustomer(ctx context.Context, customerID string) (model.Customer, error)
	UpsertCustomer(ctx context.Context, customer model.Customer) (model.Customer, error)
	GetOrderByPlatformRef(ctx context.Context, platformRef string) (model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (model.Order, error)
	UpsertOrder(ctx context.Context, order model.Order) (model.Order, error)

	Close() error
}

// Claim carries the order fields written onto a credential when it is claimed.
// With Quota > 0 the claim only succeeds while fewer than Quota credentials of the
// same product are bound to PlatformOrderRef. A zero UsedAt means now.
type Claim struct {
	OrderRef         string
	PlatformOrderRef string
	VariantRef       string
	CustomerRef      string
	Quota            int
	UsedAt           time.Time
}

type ImportResult struct {
	Inserted   int
	Duplicates int
}

var (
	ErrNoRows = errors.New("no rows")
	ErrNoDSN  = errors.New("DATABASE_URI is required")
)

type store struct {
	database *sqlx.DB
	driver   string
}

var schema = []string{
	// Цифровые товары
	"CREATE TABLE IF NOT EXISTS digital_product (" +
		" id TEXT PRIMARY KEY," +
		" platform_ref TEXT NOT NULL UNIQUE," +
		" title TEXT NOT NULL," +
		" email_template TEXT NOT NULL DEFAULT ''," +
		" email_subject TEXT NOT NULL DEFAULT ''," +
		" buttons TEXT NOT NULL DEFAULT '[]'," +
		" download_url TEXT NOT NULL DEFAULT ''," +
		" download_label TEXT NOT NULL DEFAULT ''," +
		" auto_send_deferred BOOLEAN NOT NULL DEFAULT TRUE" +
		" );",
	"CREATE TABLE IF NOT EXISTS variant_override (" +
		" product_id TEXT NOT NULL," +
		" variant_ref TEXT NOT NULL," +
		" email_template TEXT NOT NULL DEFAULT ''," +
		" buttons TEXT NOT NULL DEFAULT '[]'," +
		" download_url TEXT NOT NULL DEFAULT ''," +
		" download_label TEXT NOT NULL DEFAULT ''," +
		" PRIMARY KEY (product_id, variant_ref)" +
		" );",
	// Пул ключей. Строка никогда не удаляется, is_used меняется только false -> true
	"CREATE TABLE IF NOT EXISTS credential (" +
		" id TEXT PRIMARY KEY," +
		" key_value TEXT NOT NULL UNIQUE," +
		" product_id TEXT NOT NULL," +
		" variant_ref TEXT," +
		" created_at TIMESTAMP NOT NULL," +
		" is_used BOOLEAN NOT NULL DEFAULT FALSE," +
		" used_at TIMESTAMP," +
		" order_ref TEXT," +
		" platform_order_ref TEXT," +
		" claimed_variant_ref TEXT," +
		" customer_ref TEXT," +
		" email_sent BOOLEAN NOT NULL DEFAULT FALSE," +
		" email_sent_at TIMESTAMP," +
		" delivery_status TEXT" +
		" );",
	"CREATE INDEX IF NOT EXISTS credential_pool_idx ON credential (product_id, is_used, variant_ref);",
	"CREATE INDEX IF NOT EXISTS credential_order_idx ON credential (product_id, platform_order_ref);",
	"CREATE TABLE IF NOT EXISTS customer (" +
		" id TEXT PRIMARY KEY," +
		" platform_ref TEXT NOT NULL UNIQUE," +
		" email TEXT NOT NULL," +
		" name TEXT NOT NULL DEFAULT ''" +
		" );",
	"CREATE TABLE IF NOT EXISTS purchase_order (" +
		" id TEXT PRIMARY KEY," +
		" number TEXT NOT NULL," +
		" platform_ref TEXT NOT NULL UNIQUE," +
		" customer_id TEXT," +
		" created_at TIMESTAMP NOT NULL" +
		" );",
	"CREATE INDEX IF NOT EXISTS purchase_order_number_idx ON purchase_order (number);",
}

func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return nil, ErrNoDSN
	}
	driver := cfg.Driver
	if driver == "" {
		driver = config.DriverPostgres
	}
	db, err := sqlx.Open(driver, cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if driver == config.DriverSQLite {
		// один писатель; заодно сохраняет :memory: базу между запросами
		db.SetMaxOpenConns(1)
	}

	for _, ddl := range schema {
		if _, err = db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &store{
		database: db,
		driver:   driver,
	}, nil
}

func (store *store) Close() error {
	return store.database.Close()
}

// Товары

type productRow struct {
	ID            string `db:"id"`
	PlatformRef   string `db:"platform_ref"`
	Title         string `db:"title"`
	EmailTemplate string `db:"email_template"`
	EmailSubject  string `db:"email_subject"`
	Buttons       string `db:"buttons"`
	DownloadURL   string `db:"download_url"`
	DownloadLabel string `db:"download_label"`
	AutoSend      bool   `db:"auto_send_deferred"`
}

func (row productRow) toModel() (model.DigitalProduct, error) {
	buttons, err := decodeButtons(row.Buttons)
	if err != nil {
		return model.DigitalProduct{}, err
	}
	return model.DigitalProduct{
		ID:          row.ID,
		PlatformRef: row.PlatformRef,
		Title:       row.Title,
		Data: model.DigitalProductData{
			EmailTemplate:             row.EmailTemplate,
			EmailSubject:              row.EmailSubject,
			Buttons:                   buttons,
			DownloadURL:               row.DownloadURL,
			DownloadLabel:             row.DownloadLabel,
			AutoSendOnDeferredPayment: row.AutoSend,
		},
	}, nil
}

const productColumns = "id, platform_ref, title, email_template, email_subject, buttons," +
	" download_url, download_label, auto_send_deferred"

func (store *store) getProduct(ctx context.Context, where string, arg string) (model.DigitalProduct, error) {
	var row productRow
	err := store.database.GetContext(ctx, &row,
		store.database.Rebind("SELECT "+productColumns+" FROM digital_product WHERE "+where+" = ?"),
		arg)
	if err != nil {
		return model.DigitalProduct{}, noRows(err)
	}
	return row.toModel()
}

func (store *store) GetProduct(ctx context.Context, productID string) (model.DigitalProduct, error) {
	return store.getProduct(ctx, "id", productID)
}

func (store *store) GetProductByPlatformRef(ctx context.Context, platformRef string) (model.DigitalProduct, error) {
	return store.getProduct(ctx, "platform_ref", platformRef)
}

func (store *store) UpsertProduct(ctx context.Context, product model.DigitalProduct) (model.DigitalProduct, error) {
	if product.PlatformRef == "" || product.Title == "" {
		return model.DigitalProduct{}, errors.New("product requires platform ref and title")
	}
	buttons, err := encodeButtons(product.Data.Buttons)
	if err != nil {
		return model.DigitalProduct{}, err
	}
	id := product.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = store.database.ExecContext(ctx, store.database.Rebind(
		"INSERT INTO digital_product ("+productColumns+")"+
			" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT (platform_ref) DO UPDATE SET"+
			"   title = excluded.title,"+
			"   email_template = excluded.email_template,"+
			"   email_subject = excluded.email_subject,"+
			"   buttons = excluded.buttons,"+
			"   download_url = excluded.download_url,"+
			"   download_label = excluded.download_label,"+
			"   auto_send_deferred = excluded.auto_send_deferred"),
		id,
		product.PlatformRef,
		product.Title,
		product.Data.EmailTemplate,
		product.Data.EmailSubject,
		buttons,
		product.Data.DownloadURL,
		product.Data.DownloadLabel,
		product.Data.AutoSendOnDeferredPayment)
	if err != nil {
		return model.DigitalProduct{}, err
	}
	return store.GetProductByPlatformRef(ctx, product.PlatformRef)
}

type variantRow struct {
	ProductID     string `db:"product_id"`
	VariantRef    string `db:"variant_ref"`
	EmailTemplate string `db:"email_template"`
	Buttons       string `db:"buttons"`
	DownloadURL   string `db:"download_url"`
	DownloadLabel string `db:"download_label"`
}

func (store *store) GetVariantOverride(ctx context.Context, productID string, variantRef string) (model.VariantOverride, error) {
	var row variantRow
	err := store.database.GetContext(ctx, &row, store.database.Rebind(
		"SELECT product_id, variant_ref, email_template, buttons, download_url, download_label"+
			" FROM variant_override"+
			" WHERE product_id = ?"+
			"   AND variant_ref = ?"),
		productID,
		variantRef)
	if err != nil {
		return model.VariantOverride{}, noRows(err)
	}
	buttons, err := decodeButtons(row.Buttons)
	if err != nil {
		return model.VariantOverride{}, err
	}
	return model.VariantOverride{
		ProductID:  row.ProductID,
		VariantRef: row.VariantRef,
		Data: model.VariantOverrideData{
			EmailTemplate: row.EmailTemplate,
			Buttons:       buttons,
			DownloadURL:   row.DownloadURL,
			DownloadLabel: row.DownloadLabel,
		},
	}, nil
}

func (store *store) UpsertVariantOverride(ctx context.Context, override model.VariantOverride) error {
	buttons, err := encodeButtons(override.Data.Buttons)
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx, store.database.Rebind(
		"INSERT INTO variant_override (product_id, variant_ref, email_template, buttons, download_url, download_label)"+
			" VALUES (?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT (product_id, variant_ref) DO UPDATE SET"+
			"   email_template = excluded.email_template,"+
			"   buttons = excluded.buttons,"+
			"   download_url = excluded.download_url,"+
			"   download_label = excluded.download_label"),
		override.ProductID,
		override.VariantRef,
		override.Data.EmailTemplate,
		buttons,
		override.Data.DownloadURL,
		override.Data.DownloadLabel)
	return err
}

// Ключи

type credentialRow struct {
	ID                string         `db:"id"`
	Key               string         `db:"key_value"`
	ProductID         string         `db:"product_id"`
	VariantRef        sql.NullString `db:"variant_ref"`
	CreatedAt         time.Time      `db:"created_at"`
	IsUsed            bool           `db:"is_used"`
	UsedAt            sql.NullTime   `db:"used_at"`
	OrderRef          sql.NullString `db:"order_ref"`
	PlatformOrderRef  sql.NullString `db:"platform_order_ref"`
	ClaimedVariantRef sql.NullString `db:"claimed_variant_ref"`
	CustomerRef       sql.NullString `db:"customer_ref"`
	EmailSent         bool           `db:"email_sent"`
	EmailSentAt       sql.NullTime   `db:"email_sent_at"`
	DeliveryStatus    sql.NullString `db:"delivery_status"`
}

func (row credentialRow) toModel() model.Credential {
	return model.Credential{
		ID:         row.ID,
		Key:        row.Key,
		ProductID:  row.ProductID,
		VariantRef: row.VariantRef.String,
		CreatedAt:  row.CreatedAt,
		Data: model.CredentialData{
			IsUsed:            row.IsUsed,
			UsedAt:            row.UsedAt.Time,
			OrderRef:          row.OrderRef.String,
			PlatformOrderRef:  row.PlatformOrderRef.String,
			ClaimedVariantRef: row.ClaimedVariantRef.String,
			CustomerRef:       row.CustomerRef.String,
			EmailSent:         row.EmailSent,
			EmailSentAt:       row.EmailSentAt.Time,
			DeliveryStatus:    model.DeliveryStatus(row.DeliveryStatus.String),
		},
	}
}

func toModels(rows []credentialRow) []model.Credential {
	credentials := make([]model.Credential, 0, len(rows))
	for _, row := range rows {
		credentials = append(credentials, row.toModel())
	}
	return credentials
}

const credentialColumns = "id, key_value, product_id, variant_ref, created_at, is_used, used_at," +
	" order_ref, platform_order_ref, claimed_variant_ref, customer_ref," +
	" email_sent, email_sent_at, delivery_status"

func (store *store) GetCredential(ctx context.Context, credentialID string) (model.Credential, error) {
	var row credentialRow
	err := store.database.GetContext(ctx, &row, store.database.Rebind(
		"SELECT "+credentialColumns+" FROM credential WHERE id = ?"),
		credentialID)
	if err != nil {
		return model.Credential{}, noRows(err)
	}
	return row.toModel(), nil
}

// FindUnclaimed returns the oldest unclaimed credential of the exact pool:
// tagged with variantRef, or generic when variantRef is empty.
func (store *store) FindUnclaimed(ctx context.Context, productID string, variantRef string) (model.Credential, error) {
	query := "SELECT " + credentialColumns + " FROM credential" +
		" WHERE product_id = ?" +
		"   AND is_used = ?"
	args := []any{productID, false}
	if variantRef == "" {
		query += "   AND variant_ref IS NULL"
	} else {
		query += "   AND variant_ref = ?"
		args = append(args, variantRef)
	}
	query += " ORDER BY created_at, id LIMIT 1"

	var row credentialRow
	err := store.database.GetContext(ctx, &row, store.database.Rebind(query), args...)
	if err != nil {
		return model.Credential{}, noRows(err)
	}
	return row.toModel(), nil
}

// Claim binds the credential to the order only if nobody claimed it before.
// false means another claimer won the row.
func (store *store) Claim(ctx context.Context, credentialID string, claim Claim) (bool, error) {
	usedAt := claim.UsedAt
	if usedAt.IsZero() {
		usedAt = time.Now().UTC()
	}
	query := "UPDATE credential" +
		" SET is_used = ?," +
		"     used_at = ?," +
		"     order_ref = ?," +
		"     platform_order_ref = ?," +
		"     claimed_variant_ref = ?," +
		"     customer_ref = ?," +
		"     delivery_status = ?" +
		" WHERE id = ?" +
		"   AND is_used = ?"
	args := []any{
		true,
		usedAt,
		claim.OrderRef,
		claim.PlatformOrderRef,
		nullString(claim.VariantRef),
		nullString(claim.CustomerRef),
		string(model.DeliveryStatusPending),
		credentialID,
		false,
	}
	if claim.Quota <= 0 {
		return execClaim(ctx, store.database, store.database.Rebind(query), args)
	}

	// не больше Quota ключей на пару (товар, заказ)
	query += "   AND (SELECT COUNT(*) FROM credential AS bound" +
		"         WHERE bound.product_id = credential.product_id" +
		"           AND bound.platform_order_ref = ?" +
		"           AND bound.is_used = ?) < ?"
	args = append(args, claim.PlatformOrderRef, true, claim.Quota)
	query = store.database.Rebind(query)

	if store.driver != config.DriverPostgres {
		// sqlite: единственное соединение, запросы и так идут по очереди
		return execClaim(ctx, store.database, query, args)
	}

	// В READ COMMITTED два дубля события видят одинаковый счетчик,
	// SERIALIZABLE откатывает одного из них
	tx, err := store.database.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	ok, err := execClaim(ctx, tx, query, args)
	if err != nil {
		tx.Rollback()
		if isSerializationFailure(err) {
			return false, nil
		}
		return false, err
	}
	if err = tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func execClaim(ctx context.Context, execer sqlx.ExecerContext, query string, args []any) (bool, error) {
	res, err := execer.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (store *store) FindBoundToOrder(ctx context.Context, productID string, platformOrderRef string) ([]model.Credential, error) {
	var rows []credentialRow
	err := store.database.SelectContext(ctx, &rows, store.database.Rebind(
		"SELECT "+credentialColumns+" FROM credential"+
			" WHERE product_id = ?"+
			"   AND platform_order_ref = ?"+
			"   AND is_used = ?"+
			" ORDER BY used_at, id"),
		productID,
		platformOrderRef,
		true)
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// MarkDelivery records the delivery outcome. email_sent is only ever set, never cleared.
func (store *store) MarkDelivery(ctx context.Context, credentialIDs []string, status model.DeliveryStatus, sentAt time.Time) error {
	if len(credentialIDs) == 0 {
		return nil
	}

	var (
		query string
		args  []any
		err   error
	)
	switch status {
	case model.DeliveryStatusSent:
		query, args, err = sqlx.In(
			"UPDATE credential"+
				" SET delivery_status = ?, email_sent = ?, email_sent_at = ?"+
				" WHERE id IN (?)",
			string(status), true, sentAt.UTC(), credentialIDs)
	case model.DeliveryStatusPending, model.DeliveryStatusFailed:
		query, args, err = sqlx.In(
			"UPDATE credential"+
				" SET delivery_status = ?"+
				" WHERE id IN (?)",
			string(status), credentialIDs)
	default:
		return fmt.Errorf("unknown delivery status %q", status)
	}
	if err != nil {
		return err
	}

	_, err = store.database.ExecContext(ctx, store.database.Rebind(query), args...)
	return err
}

func (store *store) LinkCustomer(ctx context.Context, credentialID string, customerID string) error {
	res, err := store.database.ExecContext(ctx, store.database.Rebind(
		"UPDATE credential SET customer_ref = ? WHERE id = ?"),
		customerID,
		credentialID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoRows
	}
	return nil
}

// BulkInsert adds unclaimed credentials to the pool. Key strings already present
// anywhere in the pool are skipped and counted as duplicates.
func (store *store) BulkInsert(ctx context.Context, productID string, variantRef string, keys []string) (ImportResult, error) {
	var result ImportResult
	query := store.database.Rebind(
		"INSERT INTO credential (id, key_value, product_id, variant_ref, created_at, is_used, email_sent)" +
			" VALUES (?, ?, ?, ?, ?, ?, ?)")

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		_, err := store.database.ExecContext(ctx, query,
			uuid.NewString(),
			key,
			productID,
			nullString(variantRef),
			time.Now().UTC(),
			false,
			false)
		if err != nil {
			if isUniqueViolation(err) {
				result.Duplicates++
				continue
			}
			return result, err
		}
		result.Inserted++
	}
	return result, nil
}

func (store *store) CountAvailable(ctx context.Context, productID string) (int, error) {
	var count int
	err := store.database.GetContext(ctx, &count, store.database.Rebind(
		"SELECT COUNT(*) FROM credential WHERE product_id = ? AND is_used = ?"),
		productID,
		false)
	return count, err
}

// ListPendingDeliveries returns claimed credentials whose message has not gone out yet.
func (store *store) ListPendingDeliveries(ctx context.Context, limit int, offset int) ([]model.Credential, error) {
	var rows []credentialRow
	err := store.database.SelectContext(ctx, &rows, store.database.Rebind(
		"SELECT "+credentialColumns+" FROM credential"+
			" WHERE is_used = ?"+
			"   AND email_sent = ?"+
			"   AND platform_order_ref IS NOT NULL"+
			"   AND delivery_status IN (?, ?)"+
			" ORDER BY used_at, id"+
			" LIMIT ? OFFSET ?"),
		true,
		false,
		string(model.DeliveryStatusPending),
		string(model.DeliveryStatusFailed),
		limit,
		offset)
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// Покупатели и заказы

func (store *store) GetCustomer(ctx context.Context, customerID string) (model.Customer, error) {
	var customer model.Customer
	row := store.database.QueryRowContext(ctx, store.database.Rebind(
		"SELECT id, platform_ref, email, name FROM customer WHERE id = ?"),
		customerID)
	err := row.Scan(&customer.ID, &customer.PlatformRef, &customer.Email, &customer.Name)
	if err != nil {
		return model.Customer{}, noRows(err)
	}
	return customer, nil
}

func (store *store) UpsertCustomer(ctx context.Context, customer model.Customer) (model.Customer, error) {
	if customer.PlatformRef == "" {
		if customer.Email == "" {
			return model.Customer{}, errors.New("customer requires platform ref or email")
		}
		customer.PlatformRef = "email:" + strings.ToLower(customer.Email)
	}
	_, err := store.database.ExecContext(ctx, store.database.Rebind(
		"INSERT INTO customer (id, platform_ref, email, name)"+
			" VALUES (?, ?, ?, ?)"+
			" ON CONFLICT (platform_ref) DO UPDATE SET"+
			"   email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE customer.email END,"+
			"   name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE customer.name END"),
		uuid.NewString(),
		customer.PlatformRef,
		customer.Email,
		customer.Name)
	if err != nil {
		return model.Customer{}, err
	}

	row := store.database.QueryRowContext(ctx, store.database.Rebind(
		"SELECT id, platform_ref, email, name FROM customer WHERE platform_ref = ?"),
		customer.PlatformRef)
	var saved model.Customer
	if err = row.Scan(&saved.ID, &saved.PlatformRef, &saved.Email, &saved.Name); err != nil {
		return model.Customer{}, err
	}
	return saved, nil
}

func (store *store) getOrder(ctx context.Context, where string, arg string) (model.Order, error) {
	var (
		order    model.Order
		customer sql.NullString
	)
	row := store.database.QueryRowContext(ctx, store.database.Rebind(
		"SELECT id, number, platform_ref, customer_id, created_at"+
			" FROM purchase_order"+
			" WHERE "+where+" = ?"+
			" ORDER BY created_at DESC"+
			" LIMIT 1"),
		arg)
	err := row.Scan(&order.ID, &order.Number, &order.PlatformRef, &customer, &order.CreatedAt)
	if err != nil {
		return model.Order{}, noRows(err)
	}
	order.CustomerID = customer.String
	return order, nil
}

func (store *store) GetOrderByPlatformRef(ctx context.Context, platformRef string) (model.Order, error) {
	return store.getOrder(ctx, "platform_ref", platformRef)
}

func (store *store) GetOrderByNumber(ctx context.Context, number string) (model.Order, error) {
	return store.getOrder(ctx, "number", number)
}

func (store *store) UpsertOrder(ctx context.Context, order model.Order) (model.Order, error) {
	if order.PlatformRef == "" || order.Number == "" {
		return model.Order{}, errors.New("order requires platform ref and number")
	}
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	// customer_id перезаписывается только непустым значением
	_, err := store.database.ExecContext(ctx, store.database.Rebind(
		"INSERT INTO purchase_order (id, number, platform_ref, customer_id, created_at)"+
			" VALUES (?, ?, ?, ?, ?)"+
			" ON CONFLICT (platform_ref) DO UPDATE SET"+
			"   number = excluded.number,"+
			"   customer_id = COALESCE(excluded.customer_id, purchase_order.customer_id)"),
		uuid.NewString(),
		order.Number,
		order.PlatformRef,
		nullString(order.CustomerID),
		createdAt.UTC())
	if err != nil {
		return model.Order{}, err
	}
	return store.GetOrderByPlatformRef(ctx, order.PlatformRef)
}

// Вспомогательные

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// младший байт - основной код, старшие - расширенный
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func encodeButtons(buttons []model.Button) (string, error) {
	if len(buttons) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(buttons)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeButtons(raw string) ([]model.Button, error) {
	if raw == "" {
		return nil, nil
	}
	var buttons []model.Button
	if err := json.Unmarshal([]byte(raw), &buttons); err != nil {
		return nil, fmt.Errorf("decode buttons: %w", err)
	}
	if len(buttons) == 0 {
		return nil, nil
	}
	return buttons, nil
}

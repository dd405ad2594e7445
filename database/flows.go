package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowproxy/models"

	"github.com/tidwall/gjson"
)

// ErrFlowNotFound is returned by GetFlow for unknown IDs.
var ErrFlowNotFound = errors.New("flow not found")

const flowColumns = `id, client_conn, server_conn,
	request_method, request_scheme, request_host, request_port, request_path,
	request_http_version, request_form, request_headers, request_body,
	request_timestamp_start, request_timestamp_end,
	has_response, response_status_code, response_reason, response_http_version,
	response_headers, response_body, response_timestamp_start, response_timestamp_end,
	error_kind, error_msg, error_timestamp, killed`

// SaveFlow inserts f, or overwrites the stored copy with the same ID. The row
// keeps the position of its first insert.
func (s *FlowStore) SaveFlow(f *models.Flow) error {
	snap := f.Snapshot()

	clientConn, err := marshalNullable(snap.ClientConn)
	if err != nil {
		return fmt.Errorf("encoding client connection of flow %s: %w", snap.ID, err)
	}
	serverConn, err := marshalNullable(snap.ServerConn)
	if err != nil {
		return fmt.Errorf("encoding server connection of flow %s: %w", snap.ID, err)
	}

	req := snap.Request
	if req == nil {
		req = &models.Request{}
	}
	resp := snap.Response
	hasResponse := resp != nil
	if resp == nil {
		resp = &models.Response{}
	}
	var errKind, errMsg sql.NullString
	var errTime time.Time
	if snap.Error != nil {
		errKind = sql.NullString{String: string(snap.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: snap.Error.Msg, Valid: true}
		errTime = snap.Error.Timestamp
	}

	_, err = s.db.Exec(`INSERT INTO flows (`+flowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_conn = excluded.client_conn,
			server_conn = excluded.server_conn,
			request_method = excluded.request_method,
			request_scheme = excluded.request_scheme,
			request_host = excluded.request_host,
			request_port = excluded.request_port,
			request_path = excluded.request_path,
			request_http_version = excluded.request_http_version,
			request_form = excluded.request_form,
			request_headers = excluded.request_headers,
			request_body = excluded.request_body,
			request_timestamp_start = excluded.request_timestamp_start,
			request_timestamp_end = excluded.request_timestamp_end,
			has_response = excluded.has_response,
			response_status_code = excluded.response_status_code,
			response_reason = excluded.response_reason,
			response_http_version = excluded.response_http_version,
			response_headers = excluded.response_headers,
			response_body = excluded.response_body,
			response_timestamp_start = excluded.response_timestamp_start,
			response_timestamp_end = excluded.response_timestamp_end,
			error_kind = excluded.error_kind,
			error_msg = excluded.error_msg,
			error_timestamp = excluded.error_timestamp,
			killed = excluded.killed,
			updated_at = CURRENT_TIMESTAMP`,
		snap.ID, clientConn, serverConn,
		req.Method, req.Scheme, req.Host, req.Port, req.Path,
		req.HTTPVersion, req.Form, encodeHeaders(req.Headers), req.Content,
		unixNano(req.TimestampStart), unixNano(req.TimestampEnd),
		hasResponse, resp.StatusCode, resp.Reason, resp.HTTPVersion,
		encodeHeaders(resp.Headers), resp.Content, unixNano(resp.TimestampStart), unixNano(resp.TimestampEnd),
		errKind, errMsg, unixNano(errTime), snap.Killed,
	)
	if err != nil {
		return fmt.Errorf("saving flow %s: %w", snap.ID, err)
	}
	return nil
}

// GetFlow loads one flow by ID.
func (s *FlowStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("flow %s: %w", id, ErrFlowNotFound)
		}
		return nil, fmt.Errorf("querying flow %s: %w", id, err)
	}
	return f, nil
}

// ListFlows returns one page of flows in capture order, plus the total count.
func (s *FlowStore) ListFlows(limit, offset int) ([]*models.Flow, int64, error) {
	var total int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM flows").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting flows: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`SELECT `+flowColumns+` FROM flows ORDER BY seq ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, total, fmt.Errorf("querying flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, total, fmt.Errorf("scanning flow row: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, total, rows.Err()
}

// DeleteAll empties the journal and returns how many flows were removed.
func (s *FlowStore) DeleteAll() (int64, error) {
	res, err := s.db.Exec("DELETE FROM flows")
	if err != nil {
		return 0, fmt.Errorf("deleting flows: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFlow(sc scanner) (*models.Flow, error) {
	var (
		id                     string
		clientConn, serverConn sql.NullString
		req                    models.Request
		reqHeaders             string
		reqStart, reqEnd       int64
		hasResponse            bool
		resp                   models.Response
		respHeaders            string
		respStart, respEnd     int64
		errKind, errMsg        sql.NullString
		errTime                int64
		killed                 bool
	)
	err := sc.Scan(&id, &clientConn, &serverConn,
		&req.Method, &req.Scheme, &req.Host, &req.Port, &req.Path,
		&req.HTTPVersion, &req.Form, &reqHeaders, &req.Content,
		&reqStart, &reqEnd,
		&hasResponse, &resp.StatusCode, &resp.Reason, &resp.HTTPVersion,
		&respHeaders, &resp.Content, &respStart, &respEnd,
		&errKind, &errMsg, &errTime, &killed,
	)
	if err != nil {
		return nil, err
	}

	req.Headers = decodeHeaders(reqHeaders)
	req.TimestampStart, req.TimestampEnd = fromUnixNano(reqStart), fromUnixNano(reqEnd)
	f := models.NewFlow(id, nil, &req)
	f.Killed = killed

	if clientConn.Valid {
		f.ClientConn = &models.ClientConnection{}
		if err := json.Unmarshal([]byte(clientConn.String), f.ClientConn); err != nil {
			return nil, fmt.Errorf("decoding client connection of flow %s: %w", id, err)
		}
	}
	if serverConn.Valid {
		f.ServerConn = &models.ServerConnection{}
		if err := json.Unmarshal([]byte(serverConn.String), f.ServerConn); err != nil {
			return nil, fmt.Errorf("decoding server connection of flow %s: %w", id, err)
		}
	}
	if hasResponse {
		resp.Headers = decodeHeaders(respHeaders)
		resp.TimestampStart, resp.TimestampEnd = fromUnixNano(respStart), fromUnixNano(respEnd)
		f.Response = &resp
	}
	if errKind.Valid {
		f.Error = &models.FlowError{Kind: models.ErrorKind(errKind.String), Msg: errMsg.String, Timestamp: fromUnixNano(errTime)}
	}
	return f, nil
}

// encodeHeaders stores headers as a JSON array of [name, value] pairs, which
// keeps order and duplicates.
func encodeHeaders(h models.Headers) string {
	pairs := make([][2]string, len(h))
	for i, f := range h {
		pairs[i] = [2]string{f.Name, f.Value}
	}
	b, _ := json.Marshal(pairs)
	return string(b)
}

func decodeHeaders(raw string) models.Headers {
	var h models.Headers
	gjson.Parse(raw).ForEach(func(_, pair gjson.Result) bool {
		h.Add(pair.Get("0").String(), pair.Get("1").String())
		return true
	})
	return h
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch c := v.(type) {
	case *models.ClientConnection:
		if c == nil {
			return sql.NullString{}, nil
		}
	case *models.ServerConnection:
		if c == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/finsync/internal/token"
)

const (
	ServiceLoadRecords = "CRUDServiceProvider.loadRecords"
	defaultTimeout     = 60 * time.Second
)

// GatewayError - ошибка, возвращенная шлюзом в теле ответа.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Erro no Gateway"
	}
	return e.Code + " - " + msg
}

// ErrPageLimit - постраничная выборка не закончилась за отведенное число страниц
var ErrPageLimit = errors.New("page limit reached before an empty page")

// Row - строка ответа: позиционный ключ (f0, f1, ...) -> значение.
// Отсутствующее или пустое значение - пустая строка.
type Row map[string]string

type Page struct {
	Rows []Row
	// Total - число записей на странице по ответу шлюза
	Total int
}

type Client interface {
	LoadRecords(ctx context.Context, ds DataSet) (Page, error)
	ForEachPage(ctx context.Context, ds DataSet, maxPages int, fn func(page int, p Page) (bool, error)) error
	LoadRecordsAllPages(ctx context.Context, ds DataSet, maxPages int) ([]Row, error)
}

type client struct {
	gatewayURL string
	tokens     token.Provider
	http       *resty.Client
}

func NewClient(gatewayURL string, timeout time.Duration, tokens token.Provider) Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		gatewayURL: gatewayURL,
		tokens:     tokens,
		http:       resty.New().SetTimeout(timeout),
	}
}

type loadRecordsRequest struct {
	ServiceName string `json:"serviceName"`
	RequestBody struct {
		DataSet DataSet `json:"dataSet"`
	} `json:"requestBody"`
}

type loadRecordsAnswer struct {
	Error *struct {
		Codigo    json.RawMessage `json:"codigo"`
		Descricao string          `json:"descricao"`
	} `json:"error"`
	ResponseBody struct {
		Entities struct {
			Total  json.RawMessage `json:"total"`
			Entity json.RawMessage `json:"entity"`
		} `json:"entities"`
	} `json:"responseBody"`
}

func (c *client) LoadRecords(ctx context.Context, ds DataSet) (Page, error) {
	accessToken, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return Page{}, err
	}

	var body loadRecordsRequest
	body.ServiceName = ServiceLoadRecords
	body.RequestBody.DataSet = ds

	setresp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json").
		SetQueryParams(map[string]string{
			"serviceName": ServiceLoadRecords,
			"outputType":  "json",
		}).
		SetBody(body).
		Post(c.gatewayURL)
	if err != nil {
		return Page{}, err
	}

	var answer loadRecordsAnswer
	decodeErr := json.Unmarshal(setresp.Body(), &answer)
	if decodeErr == nil && answer.Error != nil {
		if code := rawString(answer.Error.Codigo); code != "" {
			return Page{}, &GatewayError{Code: code, Message: answer.Error.Descricao}
		}
	}
	if setresp.IsError() {
		return Page{}, fmt.Errorf("gateway request status: %d", setresp.StatusCode())
	}
	if decodeErr != nil {
		return Page{}, fmt.Errorf("decode gateway response: %w", decodeErr)
	}

	rows, err := decodeEntities(answer.ResponseBody.Entities.Entity)
	if err != nil {
		return Page{}, err
	}
	total, _ := strconv.Atoi(rawString(answer.ResponseBody.Entities.Total))

	return Page{Rows: rows, Total: total}, nil
}

// ForEachPage запрашивает страницы 0, 1, 2, ... и передает каждую в fn.
// Останавливается на пустой странице или когда fn вернула false.
// maxPages > 0 ограничивает число запросов: при его достижении - ErrPageLimit.
func (c *client) ForEachPage(ctx context.Context, ds DataSet, maxPages int, fn func(page int, p Page) (bool, error)) error {
	start, _ := strconv.Atoi(ds.OffsetPage)
	for page := start; ; page++ {
		if maxPages > 0 && page-start >= maxPages {
			return fmt.Errorf("%w (%d pages)", ErrPageLimit, maxPages)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ds.OffsetPage = strconv.Itoa(page)
		resp, err := c.LoadRecords(ctx, ds)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if len(resp.Rows) == 0 {
			return nil
		}

		more, err := fn(page, resp)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (c *client) LoadRecordsAllPages(ctx context.Context, ds DataSet, maxPages int) ([]Row, error) {
	var all []Row
	err := c.ForEachPage(ctx, ds, maxPages, func(_ int, p Page) (bool, error) {
		all = append(all, p.Rows...)
		return true, nil
	})
	return all, err
}

// decodeEntities: entity бывает массивом, одиночным объектом или отсутствует
func decodeEntities(raw json.RawMessage) ([]Row, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var objects []map[string]json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &objects); err != nil {
			return nil, fmt.Errorf("decode entity list: %w", err)
		}
	} else {
		var single map[string]json.RawMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decode entity: %w", err)
		}
		objects = append(objects, single)
	}

	rows := make([]Row, 0, len(objects))
	for _, obj := range objects {
		row := make(Row, len(obj))
		for key, field := range obj {
			var cell struct {
				Value json.RawMessage `json:"$"`
			}
			// поле без значения приходит как {}
			if err := json.Unmarshal(field, &cell); err != nil {
				continue
			}
			if v := rawString(cell.Value); v != "" {
				row[key] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rawString: строка JSON или число -> строка
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// the dashboard rest api. reads seed the query cache and mutations go through
// the mutation gateway, which reconciles the cache afterwards.
type DashboardApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	sessionToken string
}

func NewDashboardApi(apiUrl string) *DashboardApi {
	return NewDashboardApiWithContext(context.Background(), apiUrl)
}

func NewDashboardApiWithContext(ctx context.Context, apiUrl string) *DashboardApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &DashboardApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *DashboardApi) SetSessionToken(sessionToken string) {
	self.sessionToken = sessionToken
}

func (self *DashboardApi) Close() {
	self.cancel()
}

type AuthLoginWithPasswordCallback apiCallback[*AuthLoginWithPasswordResult]

type AuthLoginWithPasswordArgs struct {
	UserAuth string `json:"userAuth"`
	Password string `json:"password"`
}

type AuthLoginWithPasswordResult struct {
	Session *AuthLoginWithPasswordResultSession `json:"session,omitempty"`
	Error   *AuthLoginWithPasswordResultError   `json:"error,omitempty"`
}

type AuthLoginWithPasswordResultSession struct {
	SessionToken string `json:"sessionToken"`
	UserId       string `json:"userId"`
	UserName     string `json:"userName,omitempty"`
}

type AuthLoginWithPasswordResultError struct {
	Message string `json:"message"`
}

func (self *DashboardApi) AuthLoginWithPassword(authLoginWithPassword *AuthLoginWithPasswordArgs, callback AuthLoginWithPasswordCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLoginWithPassword,
		self.sessionToken,
		&AuthLoginWithPasswordResult{},
		callback,
	)
}

func (self *DashboardApi) AuthLoginWithPasswordSync(authLoginWithPassword *AuthLoginWithPasswordArgs) (*AuthLoginWithPasswordResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLoginWithPassword,
		self.sessionToken,
		&AuthLoginWithPasswordResult{},
		NewNoopApiCallback[*AuthLoginWithPasswordResult](),
	)
}

type GetTeamDetailsCallback apiCallback[*TeamDetailsResult]

type TeamDetailsResult struct {
	TenantName string        `json:"tenantName"`
	TeamName   string        `json:"teamName"`
	Entities   []*TeamEntity `json:"entities,omitempty"`
	Members    []*TeamMember `json:"members,omitempty"`
	Version    int64         `json:"version,omitempty"`
}

type TeamEntity struct {
	EntityId   Id       `json:"entityId"`
	EntityName string   `json:"entityName"`
	EntityType string   `json:"entityType,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	SlaTarget  float64  `json:"slaTarget,omitempty"`
	CurrentSla *float64 `json:"currentSla,omitempty"`
	Status     string   `json:"status,omitempty"`
	Version    int64    `json:"version,omitempty"`
}

type TeamMember struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Status   string `json:"status,omitempty"`
}

func (self *DashboardApi) GetTeamDetails(tenantName string, teamName string, callback GetTeamDetailsCallback) {
	go get(
		self.ctx,
		self.teamDetailsUrl(tenantName, teamName),
		self.sessionToken,
		&TeamDetailsResult{},
		callback,
	)
}

func (self *DashboardApi) GetTeamDetailsSync(tenantName string, teamName string) (*TeamDetailsResult, error) {
	return get(
		self.ctx,
		self.teamDetailsUrl(tenantName, teamName),
		self.sessionToken,
		&TeamDetailsResult{},
		NewNoopApiCallback[*TeamDetailsResult](),
	)
}

func (self *DashboardApi) teamDetailsUrl(tenantName string, teamName string) string {
	return fmt.Sprintf(
		"%s/tenants/%s/teams/%s/details",
		self.apiUrl,
		url.PathEscape(tenantName),
		url.PathEscape(teamName),
	)
}

type UpdateEntityPriorityCallback apiCallback[*UpdateEntityPriorityResult]

type UpdateEntityPriorityArgs struct {
	// client generated, lets the server drop duplicate retries
	MutationId Id     `json:"mutationId"`
	EntityId   string `json:"entityId"`
	TenantName string `json:"tenantName"`
	TeamName   string `json:"teamName"`
	Priority   string `json:"priority"`
}

type UpdateEntityPriorityResult struct {
	Entity *TeamEntity                `json:"entity,omitempty"`
	Error  *UpdateEntityPriorityError `json:"error,omitempty"`
}

type UpdateEntityPriorityError struct {
	Message string `json:"message"`
}

func (self *DashboardApi) UpdateEntityPriority(updateEntityPriority *UpdateEntityPriorityArgs, callback UpdateEntityPriorityCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/entities/priority", self.apiUrl),
		updateEntityPriority,
		self.sessionToken,
		&UpdateEntityPriorityResult{},
		callback,
	)
}

func (self *DashboardApi) UpdateEntityPrioritySync(updateEntityPriority *UpdateEntityPriorityArgs) (*UpdateEntityPriorityResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/entities/priority", self.apiUrl),
		updateEntityPriority,
		self.sessionToken,
		&UpdateEntityPriorityResult{},
		NewNoopApiCallback[*UpdateEntityPriorityResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, sessionToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if sessionToken != "" {
		auth := fmt.Sprintf("Bearer %s", sessionToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, sessionToken string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if sessionToken != "" {
		auth := fmt.Sprintf("Bearer %s", sessionToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

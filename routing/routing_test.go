package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogogo1024/ocppgate/internal/codec"
	"github.com/gogogo1024/ocppgate/protocol"
)

// Request types are named after the action they carry.
type BootNotification struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`
}

type BootNotificationResponse struct {
	Status   string `json:"status"`
	Interval int    `json:"interval"`
}

type Heartbeat struct{}

type NotAnAction struct{}

var errHandler = errors.New("handler failed")

type point struct {
	mu    sync.Mutex
	id    string
	calls []string
	boots []BootNotification
}

func (p *point) note(s string) {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
}

func (p *point) H1(ctx context.Context, f Fields) (any, error) {
	p.note("H1")
	return map[string]any{"id": p.id, "fields": f}, nil
}

func (p *point) H2(ctx context.Context, f Fields) error {
	p.note("H2")
	return nil
}

func (p *point) Failing(ctx context.Context, f Fields) (any, error) {
	return nil, errHandler
}

func (p *point) Boot(ctx context.Context, req BootNotification) (BootNotificationResponse, error) {
	p.mu.Lock()
	p.boots = append(p.boots, req)
	p.mu.Unlock()
	return BootNotificationResponse{Status: "Accepted", Interval: 30}, nil
}

func (p *point) BootPtr(ctx context.Context, req *BootNotification) (*BootNotificationResponse, error) {
	return &BootNotificationResponse{Status: req.ChargePointVendor, Interval: 1}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestOnPassesArgumentsAndResultsThrough(t *testing.T) {
	reg := On(protocol.ActionHeartbeat, (*point).H1)
	if reg.Kind() != KindPrimary || reg.Action() != protocol.ActionHeartbeat || reg.SkipValidation() {
		t.Fatalf("unexpected metadata: kind=%s action=%s skip=%v", reg.Kind(), reg.Action(), reg.SkipValidation())
	}

	p := &point{id: "cp-1"}
	f := Fields{"a": "b"}
	got, err := reg.Primary()(p, context.Background(), f)
	want, wantErr := p.H1(context.Background(), f)
	if err != wantErr {
		t.Fatalf("err=%v, want %v", err, wantErr)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestOnDoesNotSwallowHandlerErrors(t *testing.T) {
	routes, err := Build(&point{}, On(protocol.ActionReset, (*point).Failing))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rt, _ := routes.Lookup(protocol.ActionReset)
	if _, err := rt.Primary(context.Background(), Fields{}); err != errHandler {
		t.Fatalf("expected handler error to pass through unchanged, got %v", err)
	}
}

func TestOnTypedDerivesActionFromRequestType(t *testing.T) {
	reg := OnTyped((*point).Boot, SkipValidation())
	if reg.Action() != protocol.ActionBootNotification {
		t.Fatalf("action=%s, want %s", reg.Action(), protocol.ActionBootNotification)
	}
	if !reg.SkipValidation() {
		t.Fatalf("expected skip validation to be recorded")
	}
	if reg.Name() != "Boot" {
		t.Fatalf("name=%q, want Boot", reg.Name())
	}

	ptr := OnTyped((*point).BootPtr)
	if ptr.Action() != protocol.ActionBootNotification {
		t.Fatalf("pointer request action=%s", ptr.Action())
	}
}

func TestOnTypedEqualsDirectConstruction(t *testing.T) {
	p := &point{}
	reg := OnTyped((*point).Boot)

	got, err := reg.Primary()(p, context.Background(), Fields{
		"chargePointVendor": "acme",
		"chargePointModel":  "x1",
	})
	if err != nil {
		t.Fatalf("typed handler: %v", err)
	}

	direct := &point{}
	want, _ := direct.Boot(context.Background(), BootNotification{ChargePointVendor: "acme", ChargePointModel: "x1"})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(direct.boots, p.boots); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestOnTypedPointerRequest(t *testing.T) {
	reg := OnTyped((*point).BootPtr)
	got, err := reg.Primary()(&point{}, context.Background(), Fields{"chargePointVendor": "v", "chargePointModel": "m"})
	if err != nil {
		t.Fatalf("typed handler: %v", err)
	}
	resp, ok := got.(*BootNotificationResponse)
	if !ok || resp.Status != "v" {
		t.Fatalf("unexpected response %#v", got)
	}
}

func TestOnTypedConstructionErrorPropagates(t *testing.T) {
	p := &point{}
	reg := OnTyped((*point).Boot)

	_, err := reg.Primary()(p, context.Background(), Fields{"chargePointVendor": "acme"})
	if !errors.Is(err, codec.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	_, err = reg.Primary()(p, context.Background(), Fields{"chargePointVendor": "a", "chargePointModel": "b", "color": "red"})
	if !errors.Is(err, codec.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if len(p.boots) != 0 {
		t.Fatalf("handler must not run when the request cannot be built, got %d calls", len(p.boots))
	}
}

func TestOnTypedPanicsOnUnknownAction(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for a request type that is not an action")
		}
	}()
	OnTyped(func(p *point, ctx context.Context, req NotAnAction) (any, error) { return nil, nil })
}

func TestAfterRegistration(t *testing.T) {
	reg := After(protocol.ActionHeartbeat, (*point).H2, SkipValidation())
	if reg.Kind() != KindPost || reg.Action() != protocol.ActionHeartbeat {
		t.Fatalf("unexpected metadata: kind=%s action=%s", reg.Kind(), reg.Action())
	}
	if reg.SkipValidation() {
		t.Fatalf("post handlers never skip validation")
	}
	if reg.Primary() != nil || reg.Post() == nil {
		t.Fatalf("expected only a post handler")
	}
}

func TestRoutablesRecordsNamesOnce(t *testing.T) {
	On(protocol.ActionHeartbeat, (*point).H1, WithName("routablesOnce"))
	After(protocol.ActionHeartbeat, (*point).H2, WithName("routablesOnce"))
	On(protocol.ActionReset, (*point).H1, WithName("routablesOnce"))

	n := 0
	for _, name := range Routables() {
		if name == "routablesOnce" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one registry entry, got %d", n)
	}
}

func TestRoutablesKeepsFirstRegistrationOrder(t *testing.T) {
	On(protocol.ActionHeartbeat, (*point).H1, WithName("orderFirst"))
	On(protocol.ActionHeartbeat, (*point).H1, WithName("orderSecond"))
	On(protocol.ActionHeartbeat, (*point).H1, WithName("orderFirst"))

	first, second := -1, -1
	for i, name := range Routables() {
		switch name {
		case "orderFirst":
			first = i
		case "orderSecond":
			second = i
		}
	}
	if first < 0 || second < 0 || first > second {
		t.Fatalf("unexpected order: first=%d second=%d", first, second)
	}
}

func TestHeartbeatPrimaryAndPost(t *testing.T) {
	table := NewTable(
		On(protocol.ActionHeartbeat, (*point).H1),
		After(protocol.ActionHeartbeat, (*point).H2),
	)
	p := &point{id: "cp-9"}
	routes, err := table.Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	rt, ok := routes.Lookup(protocol.ActionHeartbeat)
	if !ok {
		t.Fatalf("Heartbeat route missing")
	}
	want := RouteInfo{Action: protocol.ActionHeartbeat, Primary: "H1", Post: "H2"}
	if diff := cmp.Diff([]RouteInfo{want}, routes.Describe()); diff != "" {
		t.Fatalf("routes mismatch (-want +got):\n%s", diff)
	}

	out, err := rt.Primary(context.Background(), Fields{})
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	if out.(map[string]any)["id"] != "cp-9" {
		t.Fatalf("primary not bound to the instance: %v", out)
	}
	if err := rt.Post(context.Background(), Fields{}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if diff := cmp.Diff([]string{"H1", "H2"}, p.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if !contains(Routables(), "H1") || !contains(Routables(), "H2") {
		t.Fatalf("expected H1 and H2 in the process registry, got %v", Routables())
	}
}

func TestSkipValidationWithPostHandler(t *testing.T) {
	routes, err := Build(&point{},
		On(protocol.ActionAuthorize, (*point).H1, SkipValidation()),
		After(protocol.ActionAuthorize, (*point).H2),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rt, ok := routes.Lookup(protocol.ActionAuthorize)
	if !ok {
		t.Fatalf("route missing")
	}
	if rt.Primary == nil || rt.Post == nil || !rt.SkipValidation {
		t.Fatalf("expected both handlers and skip validation, got %+v", rt)
	}
}

func TestPostOnlyRouteDoesNotSkipValidation(t *testing.T) {
	routes, err := Build(&point{}, After(protocol.ActionMeterValues, (*point).H2))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rt, ok := routes.Lookup(protocol.ActionMeterValues)
	if !ok {
		t.Fatalf("route missing")
	}
	if rt.Primary != nil || rt.SkipValidation {
		t.Fatalf("post-only route must have no primary and no skip flag: %+v", rt)
	}
}

func TestUnclaimedActionIsAbsent(t *testing.T) {
	routes, err := Build(&point{}, On(protocol.ActionHeartbeat, (*point).H1))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := routes.Lookup(protocol.ActionReset); ok {
		t.Fatalf("Reset must not have a placeholder entry")
	}
	if routes.Len() != 1 {
		t.Fatalf("Len=%d, want 1", routes.Len())
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	table := NewTable(
		OnTyped((*point).Boot),
		On(protocol.ActionHeartbeat, (*point).H1),
		After(protocol.ActionBootNotification, (*point).H2),
		On(protocol.ActionDataTransfer, (*point).H1, WithName("DataTransfer"), SkipValidation()),
	)
	p := &point{}
	a, err := table.Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := table.Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff(a.Describe(), b.Describe()); diff != "" {
		t.Fatalf("builds differ (-first +second):\n%s", diff)
	}
	want := []protocol.Action{protocol.ActionBootNotification, protocol.ActionHeartbeat, protocol.ActionDataTransfer}
	if diff := cmp.Diff(want, a.Actions()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

type resetA struct{}

func (resetA) ResetA(ctx context.Context, f Fields) (any, error) { return "a", nil }

type resetB struct{}

func (resetB) ResetB(ctx context.Context, f Fields) (any, error) { return "b", nil }

func TestTablesAreScopedToTheirEndpointType(t *testing.T) {
	tableA := NewTable(On(protocol.ActionReset, resetA.ResetA))
	tableB := NewTable(On(protocol.ActionReset, resetB.ResetB))

	names := Routables()
	if !contains(names, "ResetA") || !contains(names, "ResetB") {
		t.Fatalf("expected both handler names in the shared registry, got %v", names)
	}

	routesA, err := tableA.Build(resetA{})
	if err != nil {
		t.Fatalf("Build A: %v", err)
	}
	if diff := cmp.Diff([]RouteInfo{{Action: protocol.ActionReset, Primary: "ResetA"}}, routesA.Describe()); diff != "" {
		t.Fatalf("table A mismatch (-want +got):\n%s", diff)
	}
	rt, _ := routesA.Lookup(protocol.ActionReset)
	if out, _ := rt.Primary(context.Background(), nil); out != "a" {
		t.Fatalf("table A resolved the wrong handler: %v", out)
	}

	routesB, err := tableB.Build(resetB{})
	if err != nil {
		t.Fatalf("Build B: %v", err)
	}
	if routesB.Describe()[0].Primary != "ResetB" {
		t.Fatalf("table B mismatch: %+v", routesB.Describe())
	}
}

func TestLaterRegistrationWins(t *testing.T) {
	table := NewTable(
		On(protocol.ActionReset, (*point).H1, WithName("first")),
		On(protocol.ActionReset, (*point).Failing, WithName("second"), SkipValidation()),
	)
	routes, err := table.Build(&point{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rt, _ := routes.Lookup(protocol.ActionReset)
	if rt.PrimaryName != "second" || !rt.SkipValidation {
		t.Fatalf("expected the later registration to win, got %+v", rt)
	}
}

func TestStrictTableRejectsCollisions(t *testing.T) {
	table := NewTable(
		On(protocol.ActionReset, (*point).H1, WithName("first")),
		On(protocol.ActionReset, (*point).Failing, WithName("second")),
	).WithStrict(true)

	if _, err := table.Build(&point{}); !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("expected ErrRouteConflict, got %v", err)
	}
	if _, err := table.Describe(); !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("expected ErrRouteConflict from Describe, got %v", err)
	}

	posts := NewTable(
		After(protocol.ActionReset, (*point).H2, WithName("p1")),
		After(protocol.ActionReset, (*point).H2, WithName("p2")),
	).WithStrict(true)
	if _, err := posts.Build(&point{}); !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("expected ErrRouteConflict for post handlers, got %v", err)
	}
}

func TestReRegisteringANameReplacesInPlace(t *testing.T) {
	table := NewTable(
		On(protocol.ActionHeartbeat, (*point).H1, WithName("handler")),
		On(protocol.ActionReset, (*point).H1, WithName("other")),
		On(protocol.ActionAuthorize, (*point).H1, WithName("handler")),
	).WithStrict(true)

	if n := len(table.Registrations()); n != 2 {
		t.Fatalf("expected 2 registrations, got %d", n)
	}
	infos, err := table.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	want := []RouteInfo{
		{Action: protocol.ActionAuthorize, Primary: "handler"},
		{Action: protocol.ActionReset, Primary: "other"},
	}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Fatalf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsNilEndpoint(t *testing.T) {
	var p *point
	if _, err := Build(p, On(protocol.ActionHeartbeat, (*point).H1)); !errors.Is(err, ErrNilEndpoint) {
		t.Fatalf("expected ErrNilEndpoint, got %v", err)
	}
}

func TestBuildDoesNotCallHandlers(t *testing.T) {
	p := &point{}
	if _, err := Build(p, On(protocol.ActionHeartbeat, (*point).H1), After(protocol.ActionHeartbeat, (*point).H2)); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("Build must not invoke handlers, got %v", p.calls)
	}
}

func TestConcurrentBuildsForDifferentInstances(t *testing.T) {
	table := NewTable(
		On(protocol.ActionHeartbeat, (*point).H1),
		After(protocol.ActionHeartbeat, (*point).H2),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &point{id: fmt.Sprintf("cp-%d", i)}
			routes, err := table.Build(p)
			if err != nil {
				errs <- err
				return
			}
			rt, _ := routes.Lookup(protocol.ActionHeartbeat)
			out, err := rt.Primary(context.Background(), Fields{})
			if err != nil {
				errs <- err
				return
			}
			if got := out.(map[string]any)["id"]; got != p.id {
				errs <- fmt.Errorf("instance %d resolved to %v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestHandlerNames(t *testing.T) {
	if got := handlerName((*point).H1); got != "H1" {
		t.Fatalf("method expression name=%q", got)
	}
	p := &point{}
	if got := handlerName(p.H1); got != "H1" {
		t.Fatalf("method value name=%q", got)
	}
	closure := func() {}
	if got := handlerName(closure); got != "TestHandlerNames.func1" {
		t.Fatalf("closure name=%q", got)
	}
}

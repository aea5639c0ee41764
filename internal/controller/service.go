package controller

import (
	"context"
	"sort"
	"strings"

	"github.com/dgnsrekt/tryxpath/internal/cdpcontrol"
	"github.com/dgnsrekt/tryxpath/internal/hub"
	"github.com/dgnsrekt/tryxpath/internal/message"
	"github.com/dgnsrekt/tryxpath/internal/state"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

// StateReader reads the coordinator's shared state.
type StateReader interface {
	Snapshot() state.Snapshot
	Results() (types.ResultsBundle, bool)
	Options() state.Options
}

// OptionsSaver persists option edits. The coordinator applies them through
// its change notification.
type OptionsSaver interface {
	SaveOptions(ctx context.Context, attrs *types.AttributesConfig, css *string) error
}

// TabSource lists the browser's page tabs.
type TabSource interface {
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
}

// ConnSource lists contexts connected to the hub.
type ConnSource interface {
	Connections() []hub.ConnInfo
}

// Service bridges the ops API to the coordinator, the browser and the hub.
type Service struct {
	state StateReader
	saver OptionsSaver
	tabs  TabSource
	conns ConnSource
}

func NewService(st StateReader, saver OptionsSaver, tabs TabSource, conns ConnSource) *Service {
	return &Service{state: st, saver: saver, tabs: tabs, conns: conns}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) GetState(_ context.Context) (state.Snapshot, error) {
	return s.state.Snapshot(), nil
}

// GetResults returns the stored bundle, or nil when nothing was stored yet.
func (s *Service) GetResults(_ context.Context) (*types.ResultsBundle, error) {
	b, ok := s.state.Results()
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Service) GetOptions(_ context.Context) (state.Options, error) {
	return s.state.Options(), nil
}

// UpdateOptions validates and persists an options edit and returns the
// options as they will read once the change is applied. A nil argument leaves
// that option unchanged.
func (s *Service) UpdateOptions(ctx context.Context, attrs *types.AttributesConfig, css *string) (state.Options, error) {
	if attrs == nil && css == nil {
		return state.Options{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "attributes or css is required"}
	}
	next := s.state.Options()
	if attrs != nil {
		trimmed := types.AttributesConfig{
			Element:         strings.TrimSpace(attrs.Element),
			Context:         strings.TrimSpace(attrs.Context),
			Focused:         strings.TrimSpace(attrs.Focused),
			FocusedAncestor: strings.TrimSpace(attrs.FocusedAncestor),
			Frame:           strings.TrimSpace(attrs.Frame),
			FrameAncestor:   strings.TrimSpace(attrs.FrameAncestor),
		}
		for _, f := range []struct{ name, value string }{
			{"attributes.element", trimmed.Element},
			{"attributes.context", trimmed.Context},
			{"attributes.focused", trimmed.Focused},
			{"attributes.focusedAncestor", trimmed.FocusedAncestor},
			{"attributes.frame", trimmed.Frame},
			{"attributes.frameAncestor", trimmed.FrameAncestor},
		} {
			if err := s.requireNonEmpty(f.value, f.name); err != nil {
				return state.Options{}, err
			}
		}
		attrs = &trimmed
		next.Attributes = trimmed
	}
	if css != nil {
		next.CSS = *css
	}
	if err := s.saver.SaveOptions(ctx, attrs, css); err != nil {
		return state.Options{}, err
	}
	return next, nil
}

// TabView is a browser tab together with its connected content runners.
type TabView struct {
	types.TabInfo
	Frames int `json:"frames"`
}

// ListTabs lists page tabs and marks those with a connected content runner.
func (s *Service) ListTabs(ctx context.Context) ([]TabView, error) {
	tabs, err := s.tabs.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	frames := map[types.TabID]int{}
	for _, c := range s.conns.Connections() {
		if c.Kind == message.KindContent {
			frames[c.TabID]++
		}
	}
	out := make([]TabView, 0, len(tabs))
	for _, t := range tabs {
		t.Attached = frames[t.TabID] > 0
		out = append(out, TabView{TabInfo: t, Frames: frames[t.TabID]})
	}
	return out, nil
}

// ListConnections lists connected contexts, extension pages first.
func (s *Service) ListConnections(_ context.Context) ([]hub.ConnInfo, error) {
	conns := s.conns.Connections()
	sort.SliceStable(conns, func(i, j int) bool {
		return conns[i].Kind.ExtensionPage() && !conns[j].Kind.ExtensionPage()
	})
	return conns, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"github.com/guyuedumingx/chatSpace/internal/config"
	"github.com/guyuedumingx/chatSpace/internal/history"
	"github.com/guyuedumingx/chatSpace/internal/llm"
	"github.com/guyuedumingx/chatSpace/internal/logger"
	"github.com/guyuedumingx/chatSpace/internal/message"
	"github.com/guyuedumingx/chatSpace/internal/orchestrator"
	"github.com/guyuedumingx/chatSpace/internal/transport"
)

const (
	welcomeTitle  = "你好，欢迎使用远程核准线上咨询平台"
	usageNotice   = "本平台仅供内部使用，严禁发送任何客户信息/涉密信息/敏感信息"
	busyNotice    = "请求进行中，请稍后..."
	failedNotice  = "请求失败，请重试！"
	abortedNotice = "请求被中止"
	expiredNotice = "登录已过期，请重新登录"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	activeTabStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")).Padding(0, 1)
	tabStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	botStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	surveyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

// uiEvent forwards orchestrator callbacks into the bubbletea loop.
type uiEvent struct {
	kind      string // "sessions", "thread", "survey", "auth"
	sessionID string
	contacts  []transport.EscalationContact
}

type eventBridge struct {
	ch chan uiEvent
}

func (b *eventBridge) SessionsChanged()          { b.send(uiEvent{kind: "sessions"}) }
func (b *eventBridge) ThreadChanged(id string)   { b.send(uiEvent{kind: "thread", sessionID: id}) }
func (b *eventBridge) AuthExpired()              { b.send(uiEvent{kind: "auth"}) }
func (b *eventBridge) SurveyRequested(id string, contacts []transport.EscalationContact) {
	b.send(uiEvent{kind: "survey", sessionID: id, contacts: contacts})
}

func (b *eventBridge) send(ev uiEvent) {
	select {
	case b.ch <- ev:
	default:
	}
}

type (
	eventMsg     uiEvent
	bootstrapMsg struct{ err error }
	submitMsg    struct{ err error }
	opMsg        struct{ err error }
)

type surveyState int

const (
	surveyHidden surveyState = iota
	surveyAsking             // waiting for y/n
	surveyComment            // waiting for optional comment
)

type model struct {
	orch   *orchestrator.Orchestrator
	events chan uiEvent

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	width, height int
	ready         bool
	sending       bool
	status        string

	survey         surveyState
	surveySolved   string
	surveyContacts []transport.EscalationContact
	surveySession  string

	quitting bool
}

func newModel(orch *orchestrator.Orchestrator, events chan uiEvent) model {
	input := textinput.New()
	input.Placeholder = "输入业务咨询内容"
	input.Focus()
	input.CharLimit = 2000

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return model{orch: orch, events: events, input: input, spin: spin}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spin.Tick,
		m.waitEvent(),
		func() tea.Msg { return bootstrapMsg{err: m.orch.Bootstrap(context.Background())} },
	)
}

func (m model) waitEvent() tea.Cmd {
	return func() tea.Msg { return eventMsg(<-m.events) }
}

func (m model) submitCmd(text string) tea.Cmd {
	return func() tea.Msg { return submitMsg{err: m.orch.Submit(context.Background(), text)} }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vpHeight := msg.Height - 7
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.refreshThread()

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		switch msg.kind {
		case "thread", "sessions":
			m.refreshThread()
		case "survey":
			m.survey = surveyAsking
			m.surveySolved = ""
			m.surveyContacts = msg.contacts
			m.surveySession = msg.sessionID
		case "auth":
			m.status = expiredNotice
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, m.waitEvent())

	case bootstrapMsg:
		if msg.err != nil {
			m.status = "初始化失败: " + msg.err.Error()
		}
		m.refreshThread()

	case submitMsg:
		m.sending = false
		m.status = submitStatus(msg.err)
		m.refreshThread()

	case opMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		m.refreshThread()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func submitStatus(err error) string {
	switch {
	case err == nil:
		return ""
	case err == orchestrator.ErrCancelled:
		return abortedNotice
	case err == orchestrator.ErrBusy:
		return busyNotice
	case err == orchestrator.ErrEmptyMessage:
		return ""
	default:
		return failedNotice
	}
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		if m.survey != surveyHidden {
			m.survey = surveyHidden
			return m, nil
		}
		m.orch.CancelCurrent()
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if m.survey == surveyAsking {
			return m.handleSurveyAnswer(text)
		}
		if m.survey == surveyComment {
			return m.handleSurveyComment(text)
		}
		if text == "" {
			return m, nil
		}
		if m.orch.Busy() {
			m.status = busyNotice
			return m, nil
		}
		m.input.SetValue("")
		m.sending = true
		m.status = ""
		return m, m.submitCmd(text)

	case "ctrl+n":
		label := fmt.Sprintf("咨询会话 %d", len(m.orch.Sessions())+1)
		return m, func() tea.Msg {
			_, err := m.orch.CreateSession(context.Background(), label)
			return opMsg{err: err}
		}

	case "ctrl+d":
		id := m.orch.ActiveID()
		if id == "" {
			return m, nil
		}
		return m, func() tea.Msg {
			return opMsg{err: m.orch.DeleteSession(context.Background(), id)}
		}

	case "ctrl+e":
		return m, func() tea.Msg {
			return opMsg{err: m.orch.ShowSurveyNow(context.Background())}
		}

	case "ctrl+p", "ctrl+o":
		return m, m.switchCmd(msg.String() == "ctrl+p")
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// switchCmd moves to the previous or next session tab.
func (m model) switchCmd(prev bool) tea.Cmd {
	sessions := m.orch.Sessions()
	if len(sessions) < 2 {
		return nil
	}
	cur := m.orch.ActiveID()
	idx := 0
	for i, s := range sessions {
		if s.ID == cur {
			idx = i
			break
		}
	}
	if prev {
		idx = (idx - 1 + len(sessions)) % len(sessions)
	} else {
		idx = (idx + 1) % len(sessions)
	}
	target := sessions[idx].ID
	return func() tea.Msg {
		return opMsg{err: m.orch.SwitchSession(context.Background(), target)}
	}
}

func (m *model) handleSurveyAnswer(text string) (tea.Model, tea.Cmd) {
	switch strings.ToLower(text) {
	case "y", "yes", "是":
		m.surveySolved = transport.SurveySolvedYes
	case "n", "no", "否":
		m.surveySolved = transport.SurveySolvedNo
	default:
		m.status = "请输入 y 或 n"
		return m, nil
	}
	m.input.SetValue("")
	m.survey = surveyComment
	m.status = ""
	return m, nil
}

func (m *model) handleSurveyComment(text string) (tea.Model, tea.Cmd) {
	survey := transport.Survey{
		Solved:  m.surveySolved,
		Comment: text,
		ChatID:  m.surveySession,
	}
	m.input.SetValue("")
	m.survey = surveyHidden
	return m, func() tea.Msg {
		return opMsg{err: m.orch.SubmitSurvey(context.Background(), survey)}
	}
}

func (m *model) refreshThread() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderThread())
	m.viewport.GotoBottom()
}

func (m *model) renderThread() string {
	msgs := m.orch.ActiveMessages()
	if len(msgs) == 0 {
		var b strings.Builder
		b.WriteString(titleStyle.Render(welcomeTitle) + "\n")
		b.WriteString(dimStyle.Render(usageNotice) + "\n\n")
		topics := m.orch.HotTopics()
		if len(topics) > 0 {
			b.WriteString(surveyStyle.Render("热点咨询") + "\n")
			for i, topic := range topics {
				b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, topic.Description))
			}
		}
		return b.String()
	}

	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleUser:
			label := "我"
			switch msg.Status {
			case message.StatusPending:
				label = "我 " + m.spin.View()
			case message.StatusError:
				label = errStyle.Render("我 [发送失败]")
			}
			b.WriteString(userStyle.Render(label+": ") + msg.Content + "\n")
		default:
			b.WriteString(botStyle.Render("助手: ") + msg.Content + "\n")
			for _, prompt := range msg.CustomPrompts {
				b.WriteString(dimStyle.Render("  · "+prompt.Description) + "\n")
			}
		}
	}
	return b.String()
}

func (m model) renderTabs() string {
	sessions := m.orch.Sessions()
	if len(sessions) == 0 {
		return dimStyle.Render("（暂无会话，ctrl+n 新建）")
	}
	active := m.orch.ActiveID()
	parts := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == active {
			parts = append(parts, activeTabStyle.Render(s.Label))
		} else {
			parts = append(parts, tabStyle.Render(s.Label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m model) renderSurvey() string {
	switch m.survey {
	case surveyAsking:
		return surveyStyle.Render("对本次对话的满意度调查：本次咨询是否已解决您的问题？(y/n，esc 取消)")
	case surveyComment:
		var b strings.Builder
		if m.surveySolved == transport.SurveySolvedNo && len(m.surveyContacts) > 0 {
			b.WriteString(surveyStyle.Render("如需进一步帮助，请联系：") + "\n")
			for _, c := range m.surveyContacts {
				b.WriteString(surveyStyle.Render(fmt.Sprintf("  联系人：%s　电话：%s", c.Name, c.Phone)) + "\n")
			}
		}
		b.WriteString(surveyStyle.Render("如有相关意见及建议，请填写后回车（直接回车跳过）"))
		return b.String()
	}
	return ""
}

func (m model) View() string {
	if m.quitting {
		if m.status != "" {
			return m.status + "\n"
		}
		return ""
	}
	if !m.ready {
		return "加载中..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("远程核准线上咨询平台") + "  " + m.renderTabs() + "\n")
	b.WriteString(m.viewport.View() + "\n")
	if survey := m.renderSurvey(); survey != "" {
		b.WriteString(survey + "\n")
	}
	if m.status != "" {
		b.WriteString(errStyle.Render(m.status) + "\n")
	}
	if m.sending {
		b.WriteString(m.spin.View() + " 发送中（esc 中止）\n")
	}
	b.WriteString(m.input.View() + "\n")
	b.WriteString(helpStyle.Render("enter 发送 · ctrl+n 新建 · ctrl+p/ctrl+o 切换 · ctrl+d 删除 · ctrl+e 结束对话 · esc 中止 · ctrl+c 退出"))
	return b.String()
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	var client transport.Client = transport.NewHTTPClient(cfg.API)
	if cfg.LLM.Enabled {
		client = transport.NewLLMClient(client, llm.NewClient(cfg.LLM), cfg.LLM.Model)
	}

	mirror := history.NewStore(cfg.History.DBPath)
	defer mirror.Close()

	events := make(chan uiEvent, 64)
	orch := orchestrator.New(client, cfg.API.Org, cfg.Idle.SurveyDelay, mirror, &eventBridge{ch: events})

	program := tea.NewProgram(newModel(orch, events), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		logger.L.Error("tui exited with error", "error", err)
		os.Exit(1)
	}
}

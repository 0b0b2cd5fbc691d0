package cli

import (
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := kong.New(
		c,
		kong.Name("portalbox"),
		kong.Description("Self-hosted microVM sandbox orchestrator"),
	)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestRunCommandRequiresImage(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"run", "worker"}); err == nil {
		t.Fatal("expected parse error for missing --image")
	}
}

func TestRunCommandParsesFlags(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{
		"run", "web",
		"--image", "nginx:1.27",
		"--memory", "1024",
		"--cpus", "2",
		"--port", "8080:80",
		"--port", "8443:443",
		"--env", "MODE=prod",
		"--volume", "./config:/etc/nginx/conf.d",
		"--workdir", "/srv/www",
		"--scope", "public",
		"--persist",
	})
	if err != nil {
		t.Fatalf("parse run: %v", err)
	}
	if c.Run.Name != "web" || c.Run.Image != "nginx:1.27" {
		t.Fatalf("parsed run: %+v", c.Run)
	}
	if c.Run.Memory != 1024 || c.Run.CPUs != 2 {
		t.Fatalf("parsed resources: memory=%d cpus=%d", c.Run.Memory, c.Run.CPUs)
	}
	if len(c.Run.Port) != 2 || c.Run.Port[0] != "8080:80" {
		t.Fatalf("parsed ports: %v", c.Run.Port)
	}
	if len(c.Run.Volume) != 1 || c.Run.Volume[0] != "./config:/etc/nginx/conf.d" {
		t.Fatalf("parsed volumes: %v", c.Run.Volume)
	}
	if c.Run.Workdir != "/srv/www" {
		t.Fatalf("parsed workdir: %q", c.Run.Workdir)
	}
	if c.Run.Scope != "public" {
		t.Fatalf("parsed scope: %q", c.Run.Scope)
	}
	if !c.Run.Persist {
		t.Fatal("expected --persist to be set")
	}
}

func TestExecCommandRequiresArgs(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{"exec", "--name", "worker"})
	if err == nil {
		t.Fatal("expected parse error for missing exec command")
	}
	if !strings.Contains(err.Error(), "<command>") {
		t.Fatalf("expected missing command parse error, got %v", err)
	}
}

func TestExecCommandPassthrough(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"exec", "--name", "worker", "--", "sh", "-c", "echo hi"}); err != nil {
		t.Fatalf("parse exec: %v", err)
	}
	if len(c.Exec.Command) != 3 || c.Exec.Command[0] != "sh" {
		t.Fatalf("parsed exec command: %v", c.Exec.Command)
	}
}

func TestScriptCommandArgs(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"script", "-d", "/srv/shop", "api", "migrate"}); err != nil {
		t.Fatalf("parse script: %v", err)
	}
	if c.Script.Dir != "/srv/shop" {
		t.Fatalf("script dir: got %q", c.Script.Dir)
	}
	if c.Script.Sandbox != "api" || c.Script.Name != "migrate" {
		t.Fatalf("script args: got sandbox %q name %q", c.Script.Sandbox, c.Script.Name)
	}
}

func TestEvalDefaultsToPython(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"eval", "--name", "worker", "print(1)"}); err != nil {
		t.Fatalf("parse eval: %v", err)
	}
	if c.Eval.Language != "python" {
		t.Fatalf("eval language: got %q want python", c.Eval.Language)
	}
	if c.Eval.Code != "print(1)" {
		t.Fatalf("eval code: got %q", c.Eval.Code)
	}
}

func TestImageSubcommands(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"image", "pull", "alpine:3.20"}); err != nil {
		t.Fatalf("parse image pull: %v", err)
	}
	if c.Image.Pull.Ref != "alpine:3.20" {
		t.Fatalf("image pull ref: got %q", c.Image.Pull.Ref)
	}

	if _, err := parser.Parse([]string{"image", "gc", "--retention-days", "7"}); err != nil {
		t.Fatalf("parse image gc: %v", err)
	}
	if c.Image.GC.RetentionDays != 7 {
		t.Fatalf("image gc retention: got %d", c.Image.GC.RetentionDays)
	}
}

func TestKeygenDefaults(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"keygen"}); err != nil {
		t.Fatalf("parse keygen: %v", err)
	}
	if c.Keygen.Subject != "portalbox" {
		t.Fatalf("keygen subject: got %q", c.Keygen.Subject)
	}
	if c.Keygen.TTL.Hours() != 720 {
		t.Fatalf("keygen ttl: got %s", c.Keygen.TTL)
	}
}

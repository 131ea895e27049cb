package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/projecteru2/vmplex/errdefs"
)

// exitSyntax is what VBoxManage returns for a malformed command line.
const exitSyntax = 2

type rule struct {
	re        *regexp.Regexp
	kind      errdefs.Kind
	transient bool
}

// rules is the single stderr classification table. First match wins, so
// not-found patterns must precede the broader state patterns.
var rules = []rule{
	{re: regexp.MustCompile(`(?i)could not find a registered machine|VBOX_E_OBJECT_NOT_FOUND|could not find file for the medium|could not find a snapshot|no snapshot named|does not exist|could not find a controller named|no such file or directory`), kind: errdefs.KindNotFound},
	{re: regexp.MustCompile(`(?i)already exists|VERR_ALREADY_EXISTS|is already registered|already attached`), kind: errdefs.KindStateConflict},
	{re: regexp.MustCompile(`(?i)is already locked|VBOX_E_INVALID_OBJECT_STATE|VBOX_E_INVALID_VM_STATE|is not currently running|invalid machine state|machine is not locked|is locked for (reading|writing)|is being used by|cannot (delete|unregister)[^\n]*in use|VBOX_E_OBJECT_IN_USE`), kind: errdefs.KindStateConflict},
	{re: regexp.MustCompile(`(?i)VERR_NO_MEMORY|VERR_NO_TMP_MEMORY|not enough (free )?memory|VERR_DISK_FULL|no space left on device|VERR_NO_MORE_FILES`), kind: errdefs.KindResourceExhaustion},
	{re: regexp.MustCompile(`(?i)syntax error|unknown option|invalid parameter|invalid argument|E_INVALIDARG|invalid (ostype|os type)`), kind: errdefs.KindValidation},
	{re: regexp.MustCompile(`(?i)VBOX_E_IPRT_ERROR|failed to create the virtualbox object|VERR_TIMEOUT|VERR_INTERRUPTED|RPC_E_DISCONNECTED|NS_ERROR_CALL_FAILED`), kind: errdefs.KindExternalTool, transient: true},
}

// Classify maps a finished invocation onto the error taxonomy. It returns nil
// for a zero exit code. Every error carries the raw stderr.
func Classify(res *Result) error {
	if res == nil || res.ExitCode == 0 {
		return nil
	}
	msg := fmt.Sprintf("%s failed (exit %d): %s", verb(res.Args), res.ExitCode, summary(res.Stderr))
	for _, r := range rules {
		if r.re.MatchString(res.Stderr) {
			return &errdefs.Error{Kind: r.kind, Message: msg, Raw: res.Stderr, Transient: r.transient}
		}
	}
	if res.ExitCode == exitSyntax {
		return &errdefs.Error{Kind: errdefs.KindValidation, Message: msg, Raw: res.Stderr}
	}
	return errdefs.External(msg, res.Stderr)
}

// summary returns the first meaningful stderr line without the tool prefix.
func summary(stderr string) string {
	for line := range strings.SplitSeq(stderr, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "VBoxManage: error: ")
		if line == "" || strings.HasPrefix(line, "VBoxManage: info:") {
			continue
		}
		return line
	}
	return "no error output"
}

// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

const (
	EngineNotFoundId Id = iota + 1
	EngineInstallFailedId
	AutoInstallUnsupportedId
	BuildPrereqMissingId
	ImageBuildFailedId
	PortConflictId
	ServiceStartFailedId
	ProcessStartupTimeoutId
	ProcessCrashedId
	ConfigLoadFailedId
	DependencyCycleId
)

type (
	Id int

	MarkdownMsg string

	HttpLink string

	Issue struct {
		id       Id          // ID used to lookup the issue
		mdMsg    MarkdownMsg // Markdown text that will be rendered
		docLinks []HttpLink
		extLinks []HttpLink // external links that might be useful for the user
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the issue Markdown with glamour using the given style
// ("dark", "light", "notty", or a path to a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		extraMd += "\n\n## See also\n"
		for _, link := range i.docLinks {
			extraMd += "- <" + string(link) + ">\n"
		}
		for _, link := range i.extLinks {
			extraMd += "- <" + string(link) + ">\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	engineNotFoundIssue = &Issue{
		id: EngineNotFoundId,
		mdMsg: `
# No container engine found

devup needs Podman or Docker to run the data store and model runtime.
It looked for, in order: the bundled engine, a system Podman, a system Docker.

## Things you can try
- Let devup install Podman for you:
~~~
$ devup doctor --install
~~~
- Or install Podman manually and make sure it is on your PATH:
~~~
$ podman --version
~~~`,
		extLinks: []HttpLink{"https://podman.io/docs/installation"},
	}

	engineInstallFailedIssue = &Issue{
		id: EngineInstallFailedId,
		mdMsg: `
# Container engine installation failed

Every applicable install strategy failed. devup will not fall back to running
services without container isolation.

## Things you can try
- Re-run with verbose output to see each strategy's output:
~~~
$ devup --verbose doctor --install
~~~
- Install Podman with your package manager, then retry ` + "`devup up`" + `
- On Linux, make sure your user can use sudo`,
		extLinks: []HttpLink{"https://podman.io/docs/installation"},
	}

	autoInstallUnsupportedIssue = &Issue{
		id: AutoInstallUnsupportedId,
		mdMsg: `
# Automatic installation is not supported here

devup cannot install a container engine on Windows without WSL.

## Things you can try
- Install WSL and re-run devup:
~~~
PS> wsl --install
~~~
- Or install Podman Desktop or Docker Desktop manually`,
		extLinks: []HttpLink{"https://learn.microsoft.com/windows/wsl/install"},
	}

	buildPrereqMissingIssue = &Issue{
		id: BuildPrereqMissingId,
		mdMsg: `
# Build prerequisites are missing

An image could not be built because its Dockerfile or a required build
artifact does not exist. The engine was not invoked.

## Things you can try
- Build the application artifacts first (for example ` + "`npm run build`" + `)
- Check ` + "`build.images[].dockerfile`" + ` and ` + "`prerequisites`" + ` in devup.cue`,
	}

	imageBuildFailedIssue = &Issue{
		id: ImageBuildFailedId,
		mdMsg: `
# Image build failed

The engine build command exited with a non-zero status. Builds are not
retried automatically: the same inputs produce the same failure.

## Things you can try
- Read the build output tail above
- Re-run the build by hand to iterate faster:
~~~
$ podman build -t <tag> -f <dockerfile> <context>
~~~`,
	}

	portConflictIssue = &Issue{
		id: PortConflictId,
		mdMsg: `
# Port conflict could not be resolved

No free port was found in the search window and the original port could not
be reclaimed.

## Things you can try
- Find the process holding the port:
~~~
$ lsof -i :<port>
~~~
- Change the port in devup.cue, or set ` + "`ports.allow_reclaim: true`",
	}

	serviceStartFailedIssue = &Issue{
		id: ServiceStartFailedId,
		mdMsg: `
# A service container failed to start

## Things you can try
- Inspect the container logs:
~~~
$ podman logs <name>
~~~
- Remove leftovers from a previous session:
~~~
$ devup down
~~~`,
	}

	processStartupTimeoutIssue = &Issue{
		id: ProcessStartupTimeoutId,
		mdMsg: `
# A process did not become ready in time

The process never printed its readiness marker before the startup timeout.

## Things you can try
- Read the output tail above for the real cause
- Raise ` + "`processes[].ready_timeout`" + ` in devup.cue if startup is just slow`,
	}

	processCrashedIssue = &Issue{
		id: ProcessCrashedId,
		mdMsg: `
# A supervised process exited unexpectedly

devup does not restart crashed processes on its own. The health monitor
requests a restart after repeated failed health checks.

## Things you can try
- Read the exit code and output tail above
- Restart the environment with ` + "`devup up`",
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration

## Things you can try
- Print the effective configuration:
~~~
$ devup config show
~~~
- Write a fresh default file:
~~~
$ devup config init
~~~`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Service dependency cycle

The ` + "`depends_on`" + ` entries of your services form a cycle, so no start
order exists.

## Things you can try
- Remove one of the edges listed in the error`,
	}

	issues = map[Id]*Issue{
		engineNotFoundIssue.Id():         engineNotFoundIssue,
		engineInstallFailedIssue.Id():    engineInstallFailedIssue,
		autoInstallUnsupportedIssue.Id(): autoInstallUnsupportedIssue,
		buildPrereqMissingIssue.Id():     buildPrereqMissingIssue,
		imageBuildFailedIssue.Id():       imageBuildFailedIssue,
		portConflictIssue.Id():           portConflictIssue,
		serviceStartFailedIssue.Id():     serviceStartFailedIssue,
		processStartupTimeoutIssue.Id():  processStartupTimeoutIssue,
		processCrashedIssue.Id():         processCrashedIssue,
		configLoadFailedIssue.Id():       configLoadFailedIssue,
		dependencyCycleIssue.Id():        dependencyCycleIssue,
	}
)

func Values() []*Issue {
	return slices.Collect(maps.Values(issues))
}

func Get(id Id) *Issue {
	return issues[id]
}

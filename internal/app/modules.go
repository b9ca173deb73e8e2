package app

import (
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/modules/autolimit"
	"github.com/vk/servicesd/modules/clone"
	"github.com/vk/servicesd/modules/votekick"
)

// builtinModules is the list of every module compiled into the servicesd
// binary. Which of them run is decided at runtime by modload and the
// persisted module table.
var builtinModules = []plugin.Registrar{
	autolimit.Registrar{},
	clone.Registrar{},
	votekick.Registrar{},
}

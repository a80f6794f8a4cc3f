package commands

var Shutdown = Define(Definition{
	Name:        "shutdown",
	Usage:       "shutdown",
	Description: "log everyone out and stop the server",
}, func(ctx *Context) {
	ctx.World.Shutdown()
})

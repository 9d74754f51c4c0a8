package logging

// Per-category convenience helpers. Call sites use these instead of
// Get(Category...).Level(...) for the common cases.

func Turn(format string, args ...interface{})      { Get(CategoryTurn).Info(format, args...) }
func TurnDebug(format string, args ...interface{}) { Get(CategoryTurn).Debug(format, args...) }

func ContextDebug(format string, args ...interface{}) { Get(CategoryContext).Debug(format, args...) }

func Pack(format string, args ...interface{})      { Get(CategoryPack).Info(format, args...) }
func PackDebug(format string, args ...interface{}) { Get(CategoryPack).Debug(format, args...) }

func Tools(format string, args ...interface{})      { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }
func ToolsError(format string, args ...interface{}) { Get(CategoryTools).Error(format, args...) }

func GateDebug(format string, args ...interface{}) { Get(CategoryGate).Debug(format, args...) }

func Workflow(format string, args ...interface{})      { Get(CategoryWorkflow).Info(format, args...) }
func WorkflowDebug(format string, args ...interface{}) { Get(CategoryWorkflow).Debug(format, args...) }
func WorkflowError(format string, args ...interface{}) { Get(CategoryWorkflow).Error(format, args...) }

func Forge(format string, args ...interface{})      { Get(CategoryForge).Info(format, args...) }
func ForgeDebug(format string, args ...interface{}) { Get(CategoryForge).Debug(format, args...) }
func ForgeError(format string, args ...interface{}) { Get(CategoryForge).Error(format, args...) }

func Loop(format string, args ...interface{})      { Get(CategoryLoop).Info(format, args...) }
func LoopDebug(format string, args ...interface{}) { Get(CategoryLoop).Debug(format, args...) }
func LoopWarn(format string, args ...interface{})  { Get(CategoryLoop).Warn(format, args...) }

func Phase(format string, args ...interface{})      { Get(CategoryPhase).Info(format, args...) }
func PhaseDebug(format string, args ...interface{}) { Get(CategoryPhase).Debug(format, args...) }
func PhaseError(format string, args ...interface{}) { Get(CategoryPhase).Error(format, args...) }

func Validation(format string, args ...interface{})      { Get(CategoryValidation).Info(format, args...) }
func ValidationDebug(format string, args ...interface{}) { Get(CategoryValidation).Debug(format, args...) }

func LLM(format string, args ...interface{})      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

func UsageDebug(format string, args ...interface{}) { Get(CategoryUsage).Debug(format, args...) }

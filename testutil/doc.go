// Copyright 2026 PhaseFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 phaseflow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现相似的
测试基础设施。testutil 不依赖 workflow 包，因此 workflow 的包内测试
也可以使用它。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext
  - 退避辅助: RecordingSleeper 记录重试延迟而不真正等待
  - 异步断言: AssertEventuallyTrue / WaitFor

# 子包

  - testutil/mocks: MockAgent，支持脚本响应、延迟与错误注入
  - testutil/fixtures: 样例工作流 YAML 文档

# 使用示例

	ctx := testutil.TestContext(t)
	planner := mocks.NewMockAgent("planner").WithScript(
		mocks.Step{Fail: "busy"},
		mocks.Step{Content: "plan v1"},
	)
*/
package testutil
